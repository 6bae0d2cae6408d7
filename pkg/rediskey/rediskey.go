package rediskey

import "fmt"

// Referral keys
const (
	ProgressPrefix = "referral:progress"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildProgressKey returns "referral:progress:{accountID}"
func BuildProgressKey(accountID string) string {
	return NamespaceKey(ProgressPrefix, accountID)
}

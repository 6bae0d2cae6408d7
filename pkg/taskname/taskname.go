package taskname

const (
	// Purchase tasks
	PurchaseCompleted = "purchase:completed"

	// Referral tasks
	ReferralMilestoneClaimed = "referral:milestone_claimed"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"smallbiznis-referral/pkg/config"
)

func writeKeyPair(t *testing.T, dir, cn string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func newConfig(certPath, keyPath string) *config.Config {
	cfg := &config.Config{AppName: "referral"}
	cfg.Server.Addr = "0"
	cfg.TLS.Enable = true
	cfg.TLS.CertPath = certPath
	cfg.TLS.KeyPath = keyPath
	return cfg
}

func TestNewHttpServerLoadsCertificate(t *testing.T) {
	certPath, keyPath := writeKeyPair(t, t.TempDir(), "first")

	srv := NewHttpServer(Params{Config: newConfig(certPath, keyPath), Engine: gin.New()})
	t.Cleanup(func() { close(srv.done) })

	require.NotNil(t, srv.server.TLSConfig)
	cert, err := srv.certificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "first", leaf.Subject.CommonName)
}

func TestReloadCertKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir, "first")

	srv := NewHttpServer(Params{Config: newConfig(certPath, keyPath), Engine: gin.New()})
	t.Cleanup(func() { close(srv.done) })

	require.NoError(t, os.WriteFile(certPath, []byte("garbage"), 0o600))
	require.Error(t, srv.reloadCert())

	cert, err := srv.certificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "first", leaf.Subject.CommonName)

	writeKeyPair(t, dir, "second")
	require.NoError(t, srv.reloadCert())
	cert, err = srv.certificate(nil)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "second", leaf.Subject.CommonName)
}

package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestEnsureGeneratesLoadablePair(t *testing.T) {
	root := t.TempDir()

	certPath, keyPath, err := EnsureCertificate(root, testLogger(t))
	require.NoError(t, err)

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureReusesValidPair(t *testing.T) {
	root := t.TempDir()
	log := testLogger(t)

	certPath, _, err := EnsureCertificate(root, log)
	require.NoError(t, err)
	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	_, _, err = EnsureCertificate(root, log)
	require.NoError(t, err)
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

package pki

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCAFromSeedIsDeterministic(t *testing.T) {
	ca1, err := NewCAFromSeed("seed", "example")
	require.NoError(t, err)
	ca2, err := NewCAFromSeed("seed", "example")
	require.NoError(t, err)
	assert.Equal(t, ca1.CertPEM(), ca2.CertPEM())
}

func TestNewCAFromSeedDiffersPerNetwork(t *testing.T) {
	ca1, err := NewCAFromSeed("seed", "network-a")
	require.NoError(t, err)
	ca2, err := NewCAFromSeed("seed", "network-b")
	require.NoError(t, err)
	assert.NotEqual(t, ca1.CertPEM(), ca2.CertPEM())
}

func TestCASignCSR(t *testing.T) {
	ca, err := NewCAFromSeed("seed", "example")
	require.NoError(t, err)

	key, _, err := GenerateKey()
	require.NoError(t, err)
	csrPEM, err := GenerateCSR(key, "worker-1.example")
	require.NoError(t, err)

	certPEM, serial, err := ca.signCSR(csrPEM, hostCertValidity, x509.ExtKeyUsageClientAuth)
	require.NoError(t, err)
	assert.NotEmpty(t, serial)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "worker-1.example", cert.Subject.CommonName)

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	assert.NoError(t, err)
}

func TestCASignCSRDistinctSerialsSameCN(t *testing.T) {
	ca, err := NewCAFromSeed("seed", "example")
	require.NoError(t, err)

	key, _, err := GenerateKey()
	require.NoError(t, err)
	csrPEM, err := GenerateCSR(key, "worker-1.example")
	require.NoError(t, err)

	_, serial1, err := ca.signCSR(csrPEM, hostCertValidity, x509.ExtKeyUsageClientAuth)
	require.NoError(t, err)
	_, serial2, err := ca.signCSR(csrPEM, hostCertValidity, x509.ExtKeyUsageClientAuth)
	require.NoError(t, err)

	assert.NotEqual(t, serial1, serial2, "re-signing the same CSR must mint a fresh serial")
}

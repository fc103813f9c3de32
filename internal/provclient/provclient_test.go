package provclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/pki"
)

func TestParsePort(t *testing.T) {
	port, err := ParsePort("aha-1.example.internal:7302")
	require.NoError(t, err)
	assert.Equal(t, 7302, port)

	_, err = ParsePort("not-a-hostport")
	assert.Error(t, err)
}

func TestVerifyLeafCert(t *testing.T) {
	ca, err := pki.NewCAFromSeed("seed", "example")
	require.NoError(t, err)

	certPEM, _, err := ca.GenerateServerCert("svc1.example")
	require.NoError(t, err)

	require.NoError(t, VerifyLeafCert(ca.CertPEM(), certPEM))

	otherCA, err := pki.NewCAFromSeed("other-seed", "example")
	require.NoError(t, err)
	assert.Error(t, VerifyLeafCert(otherCA.CertPEM(), certPEM))
}

func TestRedeemRejectsNonSSLScheme(t *testing.T) {
	_, err := Redeem(context.Background(), "https://host:1234/iden", "svc1.example")
	assert.Error(t, err)
}

func TestRedeemRejectsMissingToken(t *testing.T) {
	_, err := Redeem(context.Background(), "ssl://host:1234/", "svc1.example")
	assert.Error(t, err)
}

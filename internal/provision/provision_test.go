package provision_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/slab"
)

func newTestAuthority(t *testing.T, cfg provision.Config) (*provision.Authority, *pki.Authority) {
	t.Helper()
	tree := hive.New()
	leader := nexus.NewLeader(slab.NewMemLog(), tree)
	pkiAuth := pki.NewAuthority("root-secret", leader, tree)
	return provision.New(leader, tree, pkiAuth, cfg), pkiAuth
}

func validConfig() provision.Config {
	return provision.Config{AhaURLs: []string{"aha-1.example"}, Network: "example", ProvisionListen: "0.0.0.0:9443"}
}

func TestAddAhaSvcProvRequiresConfig(t *testing.T) {
	a, _ := newTestAuthority(t, provision.Config{})
	_, err := a.AddAhaSvcProv(context.Background(), "worker-1", nil)
	require.Error(t, err)
	var need *core.ErrNeedConfValu
	require.ErrorAs(t, err, &need)
}

func TestAddAhaSvcProvReturnsSslUrl(t *testing.T) {
	a, _ := newTestAuthority(t, validConfig())
	url, err := a.AddAhaSvcProv(context.Background(), "worker-1", nil)
	require.NoError(t, err)
	assert.Contains(t, url, "ssl://aha-1.example:9443/")
}

func TestAddAhaSvcProvRejectsNetworkMismatch(t *testing.T) {
	a, _ := newTestAuthority(t, validConfig())
	_, err := a.AddAhaSvcProv(context.Background(), "worker-1", map[string]any{
		"conf": map[string]any{"aha:network": "other-network"},
	})
	require.Error(t, err)
	var badConf *core.ErrBadConfValu
	require.ErrorAs(t, err, &badConf)
}

func TestRedemptionProtocolHappyPath(t *testing.T) {
	a, _ := newTestAuthority(t, validConfig())
	ctx := context.Background()

	url, err := a.AddAhaSvcProv(ctx, "worker-1", map[string]any{"conf": map[string]any{"mirror": "aha://root@leader.example"}})
	require.NoError(t, err)
	iden := url[len(url)-36:]

	sess, err := a.Lookup(iden)
	require.NoError(t, err)

	gotIden, conf := sess.GetProvInfo()
	assert.Equal(t, iden, gotIden)
	assert.Equal(t, "aha://root@leader.example", conf["mirror"])

	caCert, err := sess.GetCaCert(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, caCert)

	key, _, err := pki.GenerateKey()
	require.NoError(t, err)
	csrPEM, err := pki.GenerateCSR(key, "worker-1.example")
	require.NoError(t, err)

	certPEM, err := sess.SignHostCsr(ctx, csrPEM)
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)

	require.NoError(t, a.Consume(ctx, iden))

	_, err = a.Lookup(iden)
	require.Error(t, err)
	var noSuch *core.ErrNoSuchName
	require.ErrorAs(t, err, &noSuch)
}

func TestSessionRejectsWrongCN(t *testing.T) {
	a, _ := newTestAuthority(t, validConfig())
	ctx := context.Background()

	url, err := a.AddAhaSvcProv(ctx, "worker-1", nil)
	require.NoError(t, err)
	iden := url[len(url)-36:]

	sess, err := a.Lookup(iden)
	require.NoError(t, err)

	key, _, err := pki.GenerateKey()
	require.NoError(t, err)
	csrPEM, err := pki.GenerateCSR(key, "not-worker-1.example")
	require.NoError(t, err)

	_, err = sess.SignHostCsr(ctx, csrPEM)
	require.Error(t, err)
	var badArg *core.ErrBadArg
	require.ErrorAs(t, err, &badArg)
}

func TestSessionRejectsWrongTokenKind(t *testing.T) {
	a, _ := newTestAuthority(t, validConfig())
	ctx := context.Background()

	url, err := a.AddAhaUserEnroll(ctx, "alice")
	require.NoError(t, err)
	iden := url[len(url)-36:]

	sess, err := a.Lookup(iden)
	require.NoError(t, err)

	key, _, err := pki.GenerateKey()
	require.NoError(t, err)
	csrPEM, err := pki.GenerateCSR(key, "alice@example")
	require.NoError(t, err)

	_, err = sess.SignHostCsr(ctx, csrPEM)
	require.Error(t, err)

	certPEM, err := sess.SignUserCsr(ctx, csrPEM)
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)
}

package authdb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/authdb"
	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/slab"
)

func newTestDB(t *testing.T) *authdb.DB {
	t.Helper()
	tree := hive.New()
	leader := nexus.NewLeader(slab.NewMemLog(), tree)
	return authdb.New(leader, tree)
}

func TestSetAndVerifyRootPassword(t *testing.T) {
	db := newTestDB(t)
	require.False(t, db.HasRootPassword())

	require.NoError(t, db.SetRootPassword(context.Background(), "correct-horse-battery"))
	assert.True(t, db.HasRootPassword())

	require.NoError(t, db.VerifyRootPassword("correct-horse-battery"))

	err := db.VerifyRootPassword("wrong-password")
	require.Error(t, err)
	var denied *core.ErrAuthDeny
	require.ErrorAs(t, err, &denied)
}

func TestVerifyRootPasswordBeforeBootstrap(t *testing.T) {
	db := newTestDB(t)
	err := db.VerifyRootPassword("anything")
	require.Error(t, err)
	var denied *core.ErrAuthDeny
	require.ErrorAs(t, err, &denied)
}

func TestSetRootPasswordRejectsShort(t *testing.T) {
	db := newTestDB(t)
	err := db.SetRootPassword(context.Background(), "short")
	require.Error(t, err)
	var badArg *core.ErrBadArg
	require.ErrorAs(t, err, &badArg)
}

func TestSessionIssuerRoundTrip(t *testing.T) {
	issuer := authdb.NewSessionIssuer([]byte("a-stable-signing-key"))
	token, err := issuer.Issue()
	require.NoError(t, err)
	require.NoError(t, issuer.Verify(token))
}

func TestSessionIssuerRejectsWrongKey(t *testing.T) {
	issuer := authdb.NewSessionIssuer([]byte("key-one"))
	token, err := issuer.Issue()
	require.NoError(t, err)

	other := authdb.NewSessionIssuer([]byte("key-two"))
	err = other.Verify(token)
	require.Error(t, err)
}

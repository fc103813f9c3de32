package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/registry"
	"github.com/vertex-link/aha/internal/slab"
)

func newTestRegistry(t *testing.T, alias string) *registry.Registry {
	t.Helper()
	tree := hive.New()
	leader := nexus.NewLeader(slab.NewMemLog(), tree)
	return registry.New(leader, tree, alias)
}

func TestAddAhaSvcRequiresNetwork(t *testing.T) {
	r := newTestRegistry(t, "")
	err := r.AddAhaSvc(context.Background(), "worker-1", core.SvcInfo{}, "", "link-1")
	require.Error(t, err)
	var need *core.ErrNeedConfValu
	require.ErrorAs(t, err, &need)
}

func TestAddAhaSvcThenGet(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{UrlInfo: core.UrlInfo{Scheme: "tcp", Host: "10.0.0.1", Port: 9000}}, "example", "link-1"))

	rec, err := r.GetAhaSvc("worker-1.example")
	require.NoError(t, err)
	assert.Equal(t, "link-1", rec.SvcInfo.Online)
	assert.Equal(t, "tcp", rec.SvcInfo.UrlInfo.Scheme)
}

func TestGetAhaSvcNoSuchName(t *testing.T) {
	r := newTestRegistry(t, "")
	_, err := r.GetAhaSvc("ghost.example")
	require.Error(t, err)
	var noSuch *core.ErrNoSuchName
	require.ErrorAs(t, err, &noSuch)
}

func TestSetAhaSvcDownOnlyClearsMatchingLink(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))

	// Stale close from an old link must not unseat a fresh session.
	require.NoError(t, r.SetAhaSvcDown(ctx, "worker-1", "example", "link-stale"))
	rec, err := r.GetAhaSvc("worker-1.example")
	require.NoError(t, err)
	assert.Equal(t, "link-1", rec.SvcInfo.Online)

	require.NoError(t, r.SetAhaSvcDown(ctx, "worker-1", "example", "link-1"))
	rec, err = r.GetAhaSvc("worker-1.example")
	require.NoError(t, err)
	assert.Empty(t, rec.SvcInfo.Online)
}

func TestModAhaSvcInfoRejectsUnknownKey(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))

	err := r.ModAhaSvcInfo(ctx, "worker-1.example", map[string]any{"online": "hack"})
	require.Error(t, err)
	var badArg *core.ErrBadArg
	require.ErrorAs(t, err, &badArg)
}

func TestModAhaSvcInfoUpdatesReady(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))
	require.NoError(t, r.ModAhaSvcInfo(ctx, "worker-1.example", map[string]any{"ready": true}))

	rec, err := r.GetAhaSvc("worker-1.example")
	require.NoError(t, err)
	assert.True(t, rec.SvcInfo.Ready)
}

func TestReadyPersistsThroughOfflineTransition(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))
	require.NoError(t, r.ModAhaSvcInfo(ctx, "worker-1.example", map[string]any{"ready": true}))
	require.NoError(t, r.SetAhaSvcDown(ctx, "worker-1", "example", "link-1"))

	rec, err := r.GetAhaSvc("worker-1.example")
	require.NoError(t, err)
	assert.True(t, rec.SvcInfo.Ready)
	assert.Empty(t, rec.SvcInfo.Online)
}

func TestDelAhaSvcRemovesRecord(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))
	require.NoError(t, r.DelAhaSvc(ctx, "worker-1", "example"))

	_, err := r.GetAhaSvc("worker-1.example")
	require.Error(t, err)
}

func TestGetAhaSvcsFiltersByNetwork(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "net-a", "link-1"))
	require.NoError(t, r.AddAhaSvc(ctx, "worker-2", core.SvcInfo{}, "net-b", "link-2"))

	all, err := r.GetAhaSvcs("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := r.GetAhaSvcs("net-a")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "worker-1", onlyA[0].Name)
}

func TestLeaderAliasIsUpsertedOnLeaderTrue(t *testing.T) {
	r := newTestRegistry(t, "cryo")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "cryo-1", core.SvcInfo{Leader: true}, "example", "link-1"))

	alias, err := r.GetAhaSvc("cryo.example")
	require.NoError(t, err)
	assert.Equal(t, "link-1", alias.SvcInfo.Online)
}

// TestSetCellActiveFalseDropsAliasButKeepsCellOnline exercises spec.md
// §8's failover alias scenario: deactivating the current leader drops
// the cryo.<network> alias (so it stops resolving to a dead leader)
// while the numbered cell record itself stays online, letting a
// caller promote a new leader and re-point the alias with a second
// setCellActive(true).
func TestSetCellActiveFalseDropsAliasButKeepsCellOnline(t *testing.T) {
	r := newTestRegistry(t, "cryo")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "cryo-1", core.SvcInfo{Leader: true}, "example", "link-1"))

	_, err := r.GetAhaSvc("cryo.example")
	require.NoError(t, err, "alias must exist before deactivation")

	require.NoError(t, r.SetCellActive(ctx, "cryo-1.example", false))

	_, err = r.GetAhaSvc("cryo.example")
	require.Error(t, err, "alias must be dropped once its leader deactivates")
	var noSuch *core.ErrNoSuchName
	require.ErrorAs(t, err, &noSuch)

	cell, err := r.GetAhaSvc("cryo-1.example")
	require.NoError(t, err)
	assert.Equal(t, "link-1", cell.SvcInfo.Online, "the numbered record itself must stay online")
	assert.False(t, cell.SvcInfo.Leader)
}

func TestSetCellActiveTrueRepointsAliasAtNewLeader(t *testing.T) {
	r := newTestRegistry(t, "cryo")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "cryo-1", core.SvcInfo{Leader: true}, "example", "link-1"))
	require.NoError(t, r.AddAhaSvc(ctx, "cryo-2", core.SvcInfo{}, "example", "link-2"))
	require.NoError(t, r.SetCellActive(ctx, "cryo-1.example", false))

	require.NoError(t, r.SetCellActive(ctx, "cryo-2.example", true))

	alias, err := r.GetAhaSvc("cryo.example")
	require.NoError(t, err)
	assert.Equal(t, "link-2", alias.SvcInfo.Online)

	cell2, err := r.GetAhaSvc("cryo-2.example")
	require.NoError(t, err)
	assert.True(t, cell2.SvcInfo.Leader)
}

func TestSetCellActiveNoSuchName(t *testing.T) {
	r := newTestRegistry(t, "cryo")
	err := r.SetCellActive(context.Background(), "ghost.example", false)
	require.Error(t, err)
	var noSuch *core.ErrNoSuchName
	require.ErrorAs(t, err, &noSuch)
}

func TestHandleLinkClosedClearsAllRecordsForThatLink(t *testing.T) {
	r := newTestRegistry(t, "")
	ctx := context.Background()
	require.NoError(t, r.AddAhaSvc(ctx, "worker-1", core.SvcInfo{}, "example", "link-1"))
	require.NoError(t, r.AddAhaSvc(ctx, "worker-2", core.SvcInfo{}, "example", "link-1"))
	require.NoError(t, r.AddAhaSvc(ctx, "worker-3", core.SvcInfo{}, "example", "link-other"))

	require.NoError(t, r.HandleLinkClosed(ctx, "link-1"))

	rec1, _ := r.GetAhaSvc("worker-1.example")
	rec2, _ := r.GetAhaSvc("worker-2.example")
	rec3, _ := r.GetAhaSvc("worker-3.example")
	assert.Empty(t, rec1.SvcInfo.Online)
	assert.Empty(t, rec2.SvcInfo.Online)
	assert.Equal(t, "link-other", rec3.SvcInfo.Online)
}

package nexus

import "fmt"

// Snapshotter is implemented by internal/hive so a follower that has
// fallen too far behind (ErrFellBehind) can be brought current with a
// full-state transfer instead of replaying every missed event,
// matching spec.md §4.2's "catches up from a snapshot."
type Snapshotter interface {
	// Snapshot returns an opaque full-state blob and the offset it
	// represents (the next offset the recipient should expect).
	Snapshot() (data []byte, offset uint64, err error)
	// Restore replaces all local state with data, which must have
	// come from a prior Snapshot call, and adopts offset as current.
	Restore(data []byte, offset uint64) error
}

// Snapshot is the wire envelope a leader sends and a follower's
// CatchUp consumes.
type Snapshot struct {
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

// Fetcher retrieves a fresh Snapshot from the leader, over whatever
// transport the caller has wired (in-process for tests, the rpc
// package's codec for a real mirror dialing its leader).
type Fetcher func() (Snapshot, error)

// CatchUp restores follower's appliers from a freshly fetched
// Snapshot and resets its expected offset accordingly. It is the
// recovery path after Run returns ErrFellBehind.
func (f *Follower) CatchUp(fetch Fetcher, snapshotters ...Snapshotter) error {
	snap, err := fetch()
	if err != nil {
		return fmt.Errorf("nexus: fetch snapshot: %w", err)
	}
	for _, s := range snapshotters {
		if err := s.Restore(snap.Data, snap.Offset); err != nil {
			return fmt.Errorf("nexus: restore snapshot at offset %d: %w", snap.Offset, err)
		}
	}

	f.mu.Lock()
	f.next = snap.Offset
	f.mu.Unlock()
	f.markReady()
	return nil
}

package nexus

import (
	"context"
	"fmt"
	"sync"
)

// ErrFellBehind means the follower received an event past its next
// expected offset. A Follower buffers nothing, so any gap, even of a
// single event, is reported; there is no tolerance threshold. The
// caller must CatchUp from a Snapshotter.
type ErrFellBehind struct {
	Expected uint64
	Got      uint64
}

func (e *ErrFellBehind) Error() string {
	return fmt.Sprintf("nexus: follower expected offset %d, got %d", e.Expected, e.Got)
}

// Follower applies events from a leader's replication stream in
// strict offset order. It satisfies the read-only half of Log;
// Append panics, since only a Leader may append.
type Follower struct {
	mu       sync.Mutex
	appliers []Applier
	next     uint64
	readyCh  chan struct{}
	readyCl  sync.Once
}

// NewFollower returns a Follower that applies every incoming event to
// each of appliers, starting from offset 0 (or from whatever offset
// CatchUp last restored).
func NewFollower(appliers ...Applier) *Follower {
	return &Follower{
		appliers: appliers,
		readyCh:  make(chan struct{}),
	}
}

// CurrentOffset returns the next offset this follower expects, i.e.
// the number of events it has applied so far.
func (f *Follower) CurrentOffset() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// WaitReady blocks until the follower has applied at least one batch
// (via Run or CatchUp), or ctx is cancelled.
func (f *Follower) WaitReady(ctx context.Context) error {
	select {
	case <-f.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append is not valid on a Follower; present only so Follower can be
// handed to code that accepts the broader Log interface in a
// read-mostly capacity and will never call it on a mirror.
func (f *Follower) Append(context.Context, string, any) (uint64, error) {
	panic("nexus: Append called on a Follower; only the leader may append")
}

func (f *Follower) markReady() {
	f.readyCl.Do(func() { close(f.readyCh) })
}

// Apply applies a single event if it is exactly the next expected
// offset, buffers nothing, and reports ErrFellBehind if ev is ahead
// of what this follower expects by any amount (the caller should
// then reconnect and CatchUp from a snapshot). An event at or
// behind the already-applied offset is silently ignored, making Apply
// safe to call with retransmitted events after a reconnect.
func (f *Follower) Apply(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Offset < f.next {
		return nil
	}
	if ev.Offset > f.next {
		return &ErrFellBehind{Expected: f.next, Got: ev.Offset}
	}

	for _, a := range f.appliers {
		if err := a.Apply(ev); err != nil {
			return fmt.Errorf("nexus: follower apply %s at offset %d: %w", ev.Name, ev.Offset, err)
		}
	}
	f.next = ev.Offset + 1
	f.markReady()
	return nil
}

// Run consumes events off a channel (as returned by Leader.Subscribe)
// until it closes or ctx is cancelled, applying each one and invoking
// ack with the newly applied offset so the leader can satisfy
// WithSyncReplicas. Run returns ErrFellBehind without consuming
// further events if it detects a gap; the caller is expected to
// Unsubscribe, fetch a Snapshot, call CatchUp, and re-subscribe.
func (f *Follower) Run(ctx context.Context, events <-chan Event, ack func(offset uint64)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.Apply(ev); err != nil {
				return err
			}
			if ack != nil {
				ack(f.CurrentOffset())
			}
		}
	}
}

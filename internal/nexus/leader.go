package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vertex-link/aha/internal/slab"
)

// ackTimeout bounds how long Append waits for synchronous mirror
// acknowledgement before the call is considered failed. Per spec.md
// §4.2 this failure is fatal to the caller; it must not retry against
// stale state.
const ackTimeout = 5 * time.Second

// followerSub is a leader-side handle for one subscribed follower,
// streamed over the same rpc.Server/PushEvent mechanism every other
// server-push topic uses. events delivers committed Events in order;
// acks reports back the highest offset the follower has durably
// applied.
type followerSub struct {
	id     string
	events chan Event
	acks   chan uint64
}

// LeaderOption configures a Leader.
type LeaderOption func(*Leader)

// WithSyncReplicas requires Append to block until at least n
// subscribed followers have acknowledged the new offset before
// returning, implementing spec.md's "if mirrors are configured with
// synchronous replication, acknowledged by the quorum".
func WithSyncReplicas(n int) LeaderOption {
	return func(l *Leader) { l.syncReplicas = n }
}

// WithClock overrides the event timestamp source; tests use this to
// get deterministic Event.At values.
func WithClock(clock func() time.Time) LeaderOption {
	return func(l *Leader) { l.clock = clock }
}

// Leader is the only node in a logical cell allowed to Append. It
// durably persists every event, applies it locally, and fans it out
// to every subscribed follower.
type Leader struct {
	mu           sync.Mutex
	durable      slab.Log
	appliers     []Applier
	followers    map[string]*followerSub
	syncReplicas int
	clock        func() time.Time
}

// NewLeader returns a Leader backed by durable, applying every
// committed event to each of appliers in order.
func NewLeader(durable slab.Log, appliers ...Applier) *Leader {
	return &Leader{
		durable:   durable,
		appliers:  appliers,
		followers: make(map[string]*followerSub),
		clock:     time.Now,
	}
}

// Configure applies LeaderOptions after construction (kept separate
// from NewLeader so call sites read `nexus.NewLeader(durable, hive)`
// without a long option list for the common case).
func (l *Leader) Configure(opts ...LeaderOption) {
	for _, opt := range opts {
		opt(l)
	}
}

// CurrentOffset returns the number of events committed so far.
func (l *Leader) CurrentOffset() uint64 {
	return l.durable.Len()
}

// WaitReady returns immediately: a leader is ready as soon as it
// exists (spec.md §4.2).
func (l *Leader) WaitReady(_ context.Context) error {
	return nil
}

// Append durably persists (name, payload) as the next event, applies
// it to every local Applier, and fans it out to subscribed followers.
// If WithSyncReplicas(n) was configured, it blocks until n followers
// ack the new offset or ackTimeout elapses.
func (l *Leader) Append(ctx context.Context, name string, payload any) (uint64, error) {
	l.mu.Lock()

	offset := l.durable.Len()
	ev, err := newEvent(offset, name, payload, l.clock())
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}

	buf, err := marshalEvent(ev)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if _, err := l.durable.Append(buf); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("nexus: durable append: %w", err)
	}

	for _, a := range l.appliers {
		if err := a.Apply(ev); err != nil {
			l.mu.Unlock()
			return 0, fmt.Errorf("nexus: apply %s at offset %d: %w", name, offset, err)
		}
	}

	subs := make([]*followerSub, 0, len(l.followers))
	for _, f := range l.followers {
		subs = append(subs, f)
	}
	required := l.syncReplicas
	l.mu.Unlock()

	for _, f := range subs {
		select {
		case f.events <- ev:
		default:
			// Follower is behind; it will notice the gap on its
			// next receive and must reconnect to catch up from a
			// snapshot (spec.md §4.2).
		}
	}

	if required > 0 && len(subs) > 0 {
		if err := waitForAcks(ctx, subs, offset, required); err != nil {
			return 0, err
		}
	}

	return offset, nil
}

// waitForAcks blocks until at least required distinct followers
// among subs have acknowledged offset, ctx is cancelled, or
// ackTimeout elapses.
func waitForAcks(ctx context.Context, subs []*followerSub, offset uint64, required int) error {
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()

	acked := make(map[string]bool, len(subs))
	for len(acked) < required {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &ErrAckTimeout{Offset: offset, Required: required, Acked: len(acked)}
		default:
		}

		fired := false
		for _, f := range subs {
			select {
			case got := <-f.acks:
				if got >= offset {
					acked[f.id] = true
				}
				fired = true
			default:
			}
		}
		if !fired {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// ErrAckTimeout means fewer than the required number of synchronous
// mirrors acknowledged an append within ackTimeout.
type ErrAckTimeout struct {
	Offset   uint64
	Required int
	Acked    int
}

func (e *ErrAckTimeout) Error() string {
	return fmt.Sprintf("nexus: append at offset %d got %d/%d required mirror acks before timeout", e.Offset, e.Acked, e.Required)
}

// Subscribe registers a follower (in-process, or the local side of a
// remote mirror's transport session) and returns the channel it
// should receive events from and a function it must call with every
// offset it durably applies.
func (l *Leader) Subscribe(id string, buffer int) (events <-chan Event, ack func(offset uint64), cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &followerSub{
		id:     id,
		events: make(chan Event, buffer),
		acks:   make(chan uint64, buffer),
	}
	l.followers[id] = sub

	ackFn := func(offset uint64) {
		select {
		case sub.acks <- offset:
		default:
		}
	}
	cancelFn := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.followers, id)
		close(sub.events)
	}

	return sub.events, ackFn, cancelFn
}

// Unsubscribe removes a previously Subscribe'd follower. Safe to call
// even if the follower was already removed.
func (l *Leader) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.followers[id]; ok {
		delete(l.followers, id)
		close(sub.events)
	}
}

package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pool"
)

// PoolEvent is what a PoolHandle fires to its own subscribers, one
// layer above pool.Delta: spec.md §4.8 names the three kinds a dialed
// pool handle observes.
type PoolEvent struct {
	Kind string // nexus.EventPoolSvcAdd, nexus.EventPoolSvcDel, or "pool:reset"
	Svc  string
}

// PoolHandle is returned by DialPool: it tracks a pool's membership
// live over a dialed Session and hands out the next ready member in
// round-robin order. sess is a connection to an AHA server (for
// example one obtained via Resolver.GetAhaProxy); a PoolHandle never
// talks to an in-process pool.Manager directly.
type PoolHandle struct {
	sess        Session
	fullName    string
	cancelEvent func()

	mu      sync.Mutex
	members []string // fullnames of currently-known services, round-robin order
	next    int

	subsMu sync.Mutex
	subs   map[int]chan PoolEvent
	subID  int
}

// DialPool calls getAhaPool over sess to seed fullName's initial
// membership, then subscribes to the "pool:<fullName>" topic the
// server's pool.subscribe handler streams deltas on (cmd/aha's
// mainHandlers) so the handle stays live for as long as sess does.
// Unlike GetAhaProxy this never fails not-ready/no-such-name for an
// empty pool; an empty pool's Proxy call fails not-ready until a
// member is added.
func DialPool(ctx context.Context, sess Session, fullName string) (*PoolHandle, error) {
	result, err := sess.Call(ctx, "getAhaPool", map[string]any{"fullname": fullName}, nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodePool(result)
	if err != nil {
		return nil, err
	}

	h := &PoolHandle{
		sess:     sess,
		fullName: fullName,
		subs:     make(map[int]chan PoolEvent),
	}
	for svc := range rec.Services {
		h.members = append(h.members, svc)
	}

	h.cancelEvent = sess.OnEvent("pool:"+fullName, h.onPush)
	return h, nil
}

func (h *PoolHandle) onPush(payload []byte) {
	var d pool.Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		return
	}
	h.apply(d)
}

func (h *PoolHandle) apply(d pool.Delta) {
	switch d.Kind {
	case nexus.EventPoolSvcAdd:
		h.mu.Lock()
		h.members = append(h.members, d.Svc)
		h.mu.Unlock()
	case nexus.EventPoolSvcDel:
		h.mu.Lock()
		for i, m := range h.members {
			if m == d.Svc {
				h.members = append(h.members[:i], h.members[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	case "pool:reset":
		h.refresh()
	}
	h.broadcast(PoolEvent{Kind: d.Kind, Svc: d.Svc})
}

// refresh re-reads membership from the server, used on pool:reset
// since a handle may have missed deltas while its session reconnected.
func (h *PoolHandle) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.sess.Call(ctx, "getAhaPool", map[string]any{"fullname": h.fullName}, nil)
	if err != nil {
		return
	}
	rec, err := decodePool(result)
	if err != nil {
		return
	}
	members := make([]string, 0, len(rec.Services))
	for svc := range rec.Services {
		members = append(members, svc)
	}
	h.mu.Lock()
	h.members = members
	h.next = 0
	h.mu.Unlock()
}

func (h *PoolHandle) broadcast(ev PoolEvent) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// OnEvent registers a channel that receives future membership events;
// the returned cancel func unregisters it.
func (h *PoolHandle) OnEvent() (<-chan PoolEvent, func()) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	id := h.subID
	h.subID++
	ch := make(chan PoolEvent, 16)
	h.subs[id] = ch
	return ch, func() {
		h.subsMu.Lock()
		defer h.subsMu.Unlock()
		delete(h.subs, id)
		close(ch)
	}
}

// Proxy returns the next member's fullname in round-robin order, or
// core.ErrNotReady if the pool currently has no members. Member
// readiness is not checked. Resolving a
// member fullname to a dialable host is the caller's responsibility
// (via the registry), since a PoolHandle only tracks pool membership,
// not host addressing.
func (h *PoolHandle) Proxy(_ time.Duration) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.members) == 0 {
		return "", &core.ErrNotReady{Reason: "pool " + h.fullName + " has no members"}
	}
	member := h.members[h.next%len(h.members)]
	h.next++
	return member, nil
}

// Close unsubscribes from the pool's event topic. It does not close
// the underlying session, which the caller obtained (and must
// release) separately through Resolver.
func (h *PoolHandle) Close() {
	if h.cancelEvent != nil {
		h.cancelEvent()
	}
}

// decodePool normalises whatever a Session.Call implementation
// returns for "getAhaPool" (a decoded JSON map over real RPC, or a
// core.Pool directly from an in-process/fake session) into a
// core.Pool via a JSON round-trip.
func decodePool(v any) (core.Pool, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return core.Pool{}, err
	}
	var rec core.Pool
	if err := json.Unmarshal(buf, &rec); err != nil {
		return core.Pool{}, err
	}
	return rec, nil
}

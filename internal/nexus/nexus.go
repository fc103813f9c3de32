// Package nexus implements the replicated operation log that drives
// every state transition in an AHA cell (spec.md §4.2). A cell is
// either a Leader (the only node that may Append) or a Follower (which
// Applies events streamed from a leader, in order, with no gaps).
//
// Leader and Follower do not implement transport.Listener: a Leader
// is driven by Append calls and a Follower by Run or Apply.
package nexus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one committed mutation. Offset is assigned by the leader
// at Append time and is stable forever afterward.
type Event struct {
	Offset  uint64          `json:"offset"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Event names this subsystem produces (spec.md §3).
const (
	EventSvcAdd       = "svc:add"
	EventSvcDown      = "svc:down"
	EventSvcMod       = "svc:mod"
	EventSvcDel       = "svc:del"
	EventSvcSetActive = "svc:setactive"
	EventPoolAdd      = "pool:add"
	EventPoolDel      = "pool:del"
	EventPoolSvcAdd   = "pool:svc:add"
	EventPoolSvcDel   = "pool:svc:del"
	EventCaAdd        = "ca:add"
	EventCertSign     = "cert:sign"
	EventProvAdd      = "prov:add"
	EventProvConsume  = "prov:consume"
	EventProvDel      = "prov:del"
)

// Applier receives committed events in strictly increasing offset
// order, on both the leader (as soon as Append durably commits) and
// every follower (as the replication stream delivers them). Internal
// hive is the only implementation in this repo.
type Applier interface {
	Apply(ev Event) error
}

// Log is the contract every cell-local component (registry, pool
// manager, pki, provisioning) programs against. A Leader satisfies it
// directly; a Follower satisfies the read-only half and panics on
// Append, matching spec.md's "only callable on the leader".
type Log interface {
	// Append assigns the next offset, durably persists the event,
	// applies it locally, waits for configured mirror
	// acknowledgement, and returns the assigned offset.
	Append(ctx context.Context, name string, payload any) (uint64, error)
	CurrentOffset() uint64
	WaitReady(ctx context.Context) error
}

// newEvent stamps a fresh id and timestamp onto a (name, payload)
// pair. at is injected so tests can control time; production callers
// pass time.Now().
func newEvent(offset uint64, name string, payload any, at time.Time) (Event, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("nexus: marshal payload for %s: %w", name, err)
	}
	return Event{
		Offset:  offset,
		ID:      uuid.NewString(),
		Name:    name,
		Payload: buf,
		At:      at,
	}, nil
}

// Decode unmarshals an event's payload into v.
func Decode(ev Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("nexus: decode payload for %s: %w", ev.Name, err)
	}
	return nil
}

// marshalEvent serialises an Event for durable storage in a slab.Log
// record. Kept distinct from the event's own Payload marshalling so
// the on-the-wire envelope (used by Follower.Apply and by snapshots)
// has one place to evolve.
func marshalEvent(ev Event) ([]byte, error) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("nexus: marshal event %s: %w", ev.Name, err)
	}
	return buf, nil
}

// unmarshalEvent is the inverse of marshalEvent, used when replaying
// a durable log (e.g. on leader restart) or decoding a record read
// back from slab.Log.Read.
func unmarshalEvent(buf []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(buf, &ev); err != nil {
		return Event{}, fmt.Errorf("nexus: unmarshal event: %w", err)
	}
	return ev, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

// replicationHub serves a leader's nexus.Leader event stream to
// followers over the generic rpc call/event mechanism: "nexus.subscribe"
// starts the push, events ride the "nexus:event" topic (mirroring the
// same ServerConn.PushEvent path the "pool.subscribe" handler uses
// for "pool:"+fullname), and "nexus.ack" reports back the offset a follower has
// durably applied, feeding nexus.Leader.Subscribe's ack channel so
// WithSyncReplicas can be satisfied. This is AHA's concrete reading of
// spec.md §4.2's abstract "replication stream" over the same wire
// protocol everything else uses, rather than a second transport.
type replicationHub struct {
	leader *nexus.Leader

	mu   sync.Mutex
	acks map[string]func(offset uint64) // linkIden -> ack func
}

func newReplicationHub(leader *nexus.Leader) *replicationHub {
	return &replicationHub{leader: leader, acks: make(map[string]func(offset uint64))}
}

func (h *replicationHub) handlers() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"nexus.subscribe": func(ctx context.Context, conn *rpc.ServerConn, _, _ map[string]any) (any, error) {
			id := conn.LinkIden()
			events, ack, cancel := h.leader.Subscribe(id, 256)
			h.mu.Lock()
			h.acks[id] = ack
			h.mu.Unlock()

			go func() {
				defer cancel()
				defer func() {
					h.mu.Lock()
					delete(h.acks, id)
					h.mu.Unlock()
				}()
				for {
					select {
					case <-conn.Context().Done():
						return
					case ev, ok := <-events:
						if !ok {
							return
						}
						if err := conn.PushEvent("nexus:event", ev); err != nil {
							return
						}
					}
				}
			}()
			return map[string]any{"offset": h.leader.CurrentOffset()}, nil
		},
		"nexus.ack": func(_ context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			offset, _ := args["offset"].(float64)
			h.mu.Lock()
			ack := h.acks[conn.LinkIden()]
			h.mu.Unlock()
			if ack != nil {
				ack(uint64(offset))
			}
			return nil, nil
		},
	}
}

// runMirror dials leaderAddr directly (an outbound connection, always
// possible regardless of which side sits behind NAT) and replicates
// its nexus event stream into follower until ctx is cancelled,
// reconnecting with a fixed backoff on any error.
func runMirror(ctx context.Context, leaderAddr string, follower *nexus.Follower, log *slog.Logger) error {
	const retryDelay = 2 * time.Second
	for ctx.Err() == nil {
		if err := mirrorOnce(ctx, leaderAddr, follower, log); err != nil {
			log.Warn("mirror replication lost, retrying", "error", err, "retry_in", retryDelay)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
	return nil
}

func mirrorOnce(ctx context.Context, leaderAddr string, follower *nexus.Follower, log *slog.Logger) error {
	client, err := rpc.DialTimeout("tcp", leaderAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial leader %s: %w", leaderAddr, err)
	}
	defer client.Close()

	cancel := client.OnEvent("nexus:event", func(payload []byte) {
		var ev nexus.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("mirror: malformed event payload", "error", err)
			return
		}
		if err := follower.Apply(ev); err != nil {
			log.Warn("mirror: apply failed, will resync on reconnect", "error", err)
			return
		}
		if _, err := client.Call(ctx, "nexus.ack", map[string]any{"offset": follower.CurrentOffset()}, nil); err != nil {
			log.Warn("mirror: ack failed", "error", err)
		}
	})
	defer cancel()

	if _, err := client.Call(ctx, "nexus.subscribe", nil, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

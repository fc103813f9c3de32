// Package client implements the client resolver of spec.md §4.8: a
// process-wide, reference-counted cache of AHA sessions, loaded from a
// telepath.yaml configuration and dialing "aha://" URLs via a
// caller-supplied Dialer (no Dialer implementation ships in this
// repository). Grounded on the teacher's
// providers/chisel tunnel factory, which also keys a shared cache of
// dialed connections by a host string under a single mutex
// (internal/providers/chisel/tunnel_factory.go), generalised here from
// one tunnel per remote chisel server to one session per AHA host.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/viper"

	"github.com/vertex-link/aha/internal/core"
)

// Session is the subset of the transport contract (spec.md §4.1) the
// resolver needs: synchronous calls, server-push subscriptions, and
// teardown. The transport package implements this for a real "aha://"
// connection; tests use a fake.
type Session interface {
	Call(ctx context.Context, method string, args, kwargs map[string]any) (any, error)
	OnEvent(topic string, handler func(payload []byte)) (cancel func())
	Close() error
}

// Dialer opens a new Session to host (just the host:port portion of
// an aha:// URL, no path). The Resolver uses it both for configured
// AHA servers and for the service addresses Resolve looks up; the
// aha:servers check is done by GetAhaProxy, not by the Dialer.
type Dialer interface {
	Open(ctx context.Context, host string) (Session, error)
}

// TelepathConfig is the "telepath.yaml" file format of spec.md §4.8:
// version 1, listing known AHA servers.
type TelepathConfig struct {
	Version int      `yaml:"version"`
	Servers []string `yaml:"aha:servers"`
}

// LoadTelepathConfig reads and parses a telepath.yaml file, following
// the same viper-based loading the rest of AHA's config uses.
func LoadTelepathConfig(path string) (*TelepathConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("client: read %s: %w", path, err)
	}
	cfg := &TelepathConfig{
		Version: v.GetInt("version"),
		Servers: v.GetStringSlice(KeyServers),
	}
	return cfg, nil
}

// KeyServers is the telepath.yaml key naming the AHA server list,
// reused from internal/config's flat-key convention.
const KeyServers = "aha:servers"

type cacheEntry struct {
	session Session
	refs    int
}

// Resolver is the process-wide reference-counted session cache
// described by spec.md §4.8. The zero value is not usable; construct
// via New.
type Resolver struct {
	dialer     Dialer
	servers    map[string]struct{} // configured aha:servers hosts; empty means not-ready
	serverList []string            // same set, in configured order, for Resolve's AHA-server pick

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// New returns a Resolver that dials through dialer and accepts hosts
// named in servers (the aha:servers list from a loaded TelepathConfig).
func New(dialer Dialer, servers []string) *Resolver {
	set := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		set[s] = struct{}{}
	}
	return &Resolver{dialer: dialer, servers: set, serverList: append([]string(nil), servers...), entries: make(map[string]*cacheEntry)}
}

// getOrDial is the shared cache-or-materialise logic behind both
// GetAhaProxy and Resolve: share one session per cache key, refcount
// it, and let the losing side of a dial race close its redundant
// session rather than leak it.
func (r *Resolver) getOrDial(ctx context.Context, key string, open func(context.Context) (Session, error)) (Session, func(), error) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		entry.refs++
		r.mu.Unlock()
		return entry.session, r.releaseFunc(key), nil
	}
	r.mu.Unlock()

	session, err := open(ctx)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		// another caller raced us to materialise the connection;
		// keep theirs, release ours.
		existing.refs++
		_ = session.Close()
		return existing.session, r.releaseFunc(key), nil
	}
	r.entries[key] = &cacheEntry{session: session, refs: 1}
	return session, r.releaseFunc(key), nil
}

// GetAhaProxy implements spec.md §4.8's getAhaProxy: it resolves host
// against the configured AHA servers, materialising the underlying
// session on first use and sharing it across all callers of the same
// host. The returned release func must be called exactly once when
// the caller is done with the session. This is the low-level
// AHA-server session cache; Resolve builds the actual name→address
// lookup on top of it.
func (r *Resolver) GetAhaProxy(ctx context.Context, host string) (sess Session, release func(), err error) {
	if len(r.servers) == 0 {
		return nil, nil, &core.ErrNotReady{Reason: "no aha:servers configured"}
	}
	if _, ok := r.servers[host]; !ok {
		return nil, nil, &core.ErrNoSuchName{Name: host}
	}
	return r.getOrDial(ctx, host, func(ctx context.Context) (Session, error) {
		return r.dialer.Open(ctx, host)
	})
}

// Resolve implements the end-to-end "aha://name.network" lookup
// spec.md §2/§4.8 names as the resolver's whole purpose: it calls
// getAhaSvc for fullName on a cached session to the first configured
// AHA server, then dials the resolved record's UrlInfo host:port as a
// second-hop session, cached and refcounted under fullName itself so
// repeat resolutions of the same name share one dialed connection
// instead of re-querying the registry every time. Pools are not
// resolved here: DialPool takes a session to an AHA server, such as
// one from GetAhaProxy.
func (r *Resolver) Resolve(ctx context.Context, fullName string) (sess Session, release func(), err error) {
	if len(r.serverList) == 0 {
		return nil, nil, &core.ErrNotReady{Reason: "no aha:servers configured"}
	}
	return r.getOrDial(ctx, fullName, func(ctx context.Context) (Session, error) {
		ahaSess, ahaRelease, err := r.GetAhaProxy(ctx, r.serverList[0])
		if err != nil {
			return nil, err
		}
		defer ahaRelease()

		result, err := ahaSess.Call(ctx, "getAhaSvc", map[string]any{"fullname": fullName}, nil)
		if err != nil {
			return nil, err
		}
		rec, err := decodeServiceRecord(result)
		if err != nil {
			return nil, err
		}
		if rec.SvcInfo.Online == "" {
			return nil, &core.ErrNotReady{Reason: "resolve " + fullName + ": not online"}
		}

		host := rec.SvcInfo.UrlInfo.Host
		if rec.SvcInfo.UrlInfo.Port != 0 {
			host = fmt.Sprintf("%s:%d", host, rec.SvcInfo.UrlInfo.Port)
		}
		return r.dialer.Open(ctx, host)
	})
}

// decodeServiceRecord normalises whatever a Session.Call
// implementation returns for "getAhaSvc" (a decoded JSON map over
// real RPC, or a core.ServiceRecord directly from a fake session)
// into a core.ServiceRecord via a JSON round-trip.
func decodeServiceRecord(v any) (core.ServiceRecord, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return core.ServiceRecord{}, err
	}
	var rec core.ServiceRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return core.ServiceRecord{}, err
	}
	return rec, nil
}

func (r *Resolver) releaseFunc(host string) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry, ok := r.entries[host]
		if !ok {
			return
		}
		entry.refs--
		if entry.refs <= 0 {
			delete(r.entries, host)
			_ = entry.session.Close()
		}
	}
}

// Len reports how many distinct hosts currently have a live cached
// session, for tests and diagnostics.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

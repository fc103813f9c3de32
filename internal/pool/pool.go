// Package pool implements the pool manager of spec.md §4.7: named
// sets of interchangeable service records, with a per-pool topic that
// notifies subscribed client handles of membership deltas and
// pool:reset events.
package pool

import (
	"context"
	"sync"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
)

var poolPath = hive.Path{"pool"}

func poolRecordPath(network, name string) hive.Path {
	return poolPath.Join(network, name)
}

type poolAddPayload struct {
	Name            string `json:"name"`
	Network         string `json:"network"`
	CreatorUserIden string `json:"creator_user_iden"`
}

type poolDelPayload struct {
	Name    string `json:"name"`
	Network string `json:"network"`
}

type poolSvcPayload struct {
	Pool            string `json:"pool"`
	Svc             string `json:"svc"`
	CreatorUserIden string `json:"creator_user_iden"`
}

// Delta is what a subscribed client handle receives on membership
// change or session reset.
type Delta struct {
	Topic string // pool fullname this delta concerns
	Kind  string // nexus.EventPoolSvcAdd, nexus.EventPoolSvcDel, or "pool:reset"
	Svc   string
}

// Manager is the nexus.Log-backed pool manager plus the in-process
// topic fan-out clients subscribe to.
type Manager struct {
	nexusLog nexus.Log
	tree     *hive.Hive

	mu   sync.Mutex
	subs map[string]map[int]chan Delta // pool fullname -> subscriber id -> channel
	next int
}

// New returns a Manager recording changes through log into tree.
func New(log nexus.Log, tree *hive.Hive) *Manager {
	m := &Manager{nexusLog: log, tree: tree, subs: make(map[string]map[int]chan Delta)}
	tree.RegisterHandler(nexus.EventPoolAdd, m.applyAdd)
	tree.RegisterHandler(nexus.EventPoolDel, m.applyDel)
	tree.RegisterHandler(nexus.EventPoolSvcAdd, m.applySvcAdd)
	tree.RegisterHandler(nexus.EventPoolSvcDel, m.applySvcDel)
	return m
}

func (m *Manager) applyAdd(t *hive.Tree, ev nexus.Event) error {
	var p poolAddPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	return t.Set(poolRecordPath(p.Network, p.Name), core.Pool{
		Name: p.Name, Network: p.Network,
		CreatedAt: ev.At, CreatorUserIden: p.CreatorUserIden,
		Services: map[string]core.PoolServiceRef{},
	})
}

func (m *Manager) applyDel(t *hive.Tree, ev nexus.Event) error {
	var p poolDelPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	t.Del(poolRecordPath(p.Network, p.Name))
	return nil
}

func (m *Manager) applySvcAdd(t *hive.Tree, ev nexus.Event) error {
	var p poolSvcPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	name, network, err := core.SplitFullName(p.Pool)
	if err != nil {
		return err
	}
	path := poolRecordPath(network, name)
	var rec core.Pool
	ok, err := hive.Get(m.tree, path, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return &core.ErrNoSuchName{Name: p.Pool}
	}
	if rec.Services == nil {
		rec.Services = map[string]core.PoolServiceRef{}
	}
	rec.Services[p.Svc] = core.PoolServiceRef{CreatedAt: ev.At, CreatorUserIden: p.CreatorUserIden}
	if err := t.Set(path, rec); err != nil {
		return err
	}
	m.publish(p.Pool, Delta{Topic: p.Pool, Kind: nexus.EventPoolSvcAdd, Svc: p.Svc})
	return nil
}

func (m *Manager) applySvcDel(t *hive.Tree, ev nexus.Event) error {
	var p poolSvcPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	name, network, err := core.SplitFullName(p.Pool)
	if err != nil {
		return err
	}
	path := poolRecordPath(network, name)
	var rec core.Pool
	ok, err := hive.Get(m.tree, path, &rec)
	if err != nil || !ok {
		return err
	}
	delete(rec.Services, p.Svc)
	if err := t.Set(path, rec); err != nil {
		return err
	}
	m.publish(p.Pool, Delta{Topic: p.Pool, Kind: nexus.EventPoolSvcDel, Svc: p.Svc})
	return nil
}

func (m *Manager) publish(topic string, d Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		select {
		case ch <- d:
		default:
		}
	}
}

// AddAhaPool implements spec.md §4.7's addAhaPool.
func (m *Manager) AddAhaPool(ctx context.Context, fullName, creatorUserIden string) error {
	name, network, err := core.SplitFullName(fullName)
	if err != nil {
		return err
	}
	_, err = m.nexusLog.Append(ctx, nexus.EventPoolAdd, poolAddPayload{Name: name, Network: network, CreatorUserIden: creatorUserIden})
	return err
}

// DelAhaPool implements spec.md §4.7's delAhaPool.
func (m *Manager) DelAhaPool(ctx context.Context, fullName string) error {
	name, network, err := core.SplitFullName(fullName)
	if err != nil {
		return err
	}
	_, err = m.nexusLog.Append(ctx, nexus.EventPoolDel, poolDelPayload{Name: name, Network: network})
	return err
}

// AddAhaPoolSvc implements spec.md §4.7's addAhaPoolSvc.
func (m *Manager) AddAhaPoolSvc(ctx context.Context, poolFullName, svcFullName, creatorUserIden string) error {
	_, err := m.nexusLog.Append(ctx, nexus.EventPoolSvcAdd, poolSvcPayload{Pool: poolFullName, Svc: svcFullName, CreatorUserIden: creatorUserIden})
	return err
}

// DelAhaPoolSvc implements spec.md §4.7's delAhaPoolSvc.
func (m *Manager) DelAhaPoolSvc(ctx context.Context, poolFullName, svcFullName string) error {
	_, err := m.nexusLog.Append(ctx, nexus.EventPoolSvcDel, poolSvcPayload{Pool: poolFullName, Svc: svcFullName})
	return err
}

// GetAhaPool implements spec.md §4.7's getAhaPool.
func (m *Manager) GetAhaPool(fullName string) (core.Pool, error) {
	name, network, err := core.SplitFullName(fullName)
	if err != nil {
		return core.Pool{}, err
	}
	var rec core.Pool
	ok, err := hive.Get(m.tree, poolRecordPath(network, name), &rec)
	if err != nil {
		return core.Pool{}, err
	}
	if !ok {
		return core.Pool{}, &core.ErrNoSuchName{Name: fullName}
	}
	return rec, nil
}

// Subscribe registers a client handle's interest in topic (a pool
// fullname) and returns a channel of Deltas plus an unsubscribe func.
func (m *Manager) Subscribe(topic string) (<-chan Delta, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	ch := make(chan Delta, 32)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]chan Delta)
	}
	m.subs[topic][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[topic], id)
		close(ch)
	}
	return ch, cancel
}

// NotifyReset publishes a pool:reset delta on topic; a pool handle
// that receives it rebuilds its membership from a fresh read. Nothing
// outside this package's tests calls it.
func (m *Manager) NotifyReset(topic string) {
	m.publish(topic, Delta{Topic: topic, Kind: "pool:reset"})
}

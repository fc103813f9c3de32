// Package registry implements the service registry of spec.md §4.5:
// every AHA service record (name, network, online/ready/leader state)
// lives here, written only through nexus events and read lock-free
// out of the hive.
package registry

import (
	"context"
	"fmt"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
)

var svcPath = hive.Path{"registry", "svc"}

func recordPath(network, name string) hive.Path {
	return svcPath.Join(network, name)
}

// svcAddPayload is the nexus.EventSvcAdd wire payload.
type svcAddPayload struct {
	Name    string       `json:"name"`
	Network string       `json:"network"`
	Info    core.SvcInfo `json:"info"`
	Link    string       `json:"link"`
	IsAlias bool         `json:"is_alias"`
}

type svcDownPayload struct {
	Name    string `json:"name"`
	Network string `json:"network"`
	Link    string `json:"link"`
}

type svcModPayload struct {
	FullName string         `json:"full_name"`
	Info     map[string]any `json:"info"`
}

type svcDelPayload struct {
	Name    string `json:"name"`
	Network string `json:"network"`
}

type svcSetActivePayload struct {
	FullName string `json:"full_name"`
	Active   bool   `json:"active"`
}

// Registry is the nexus.Log-backed service registry. aliasName, when
// non-empty, names the logical leader alias (e.g. "cryo") this cell
// upserts whenever a record with Leader=true is added, per spec.md
// §4.5's "if a leader alias is declared and leader=true".
type Registry struct {
	nexusLog  nexus.Log
	tree      *hive.Hive
	aliasName string
}

// New returns a Registry recording changes through log into tree.
// aliasName may be empty if this cell declares no leader alias.
func New(log nexus.Log, tree *hive.Hive, aliasName string) *Registry {
	r := &Registry{nexusLog: log, tree: tree, aliasName: aliasName}
	tree.RegisterHandler(nexus.EventSvcAdd, r.applyAdd)
	tree.RegisterHandler(nexus.EventSvcDown, r.applyDown)
	tree.RegisterHandler(nexus.EventSvcMod, r.applyMod)
	tree.RegisterHandler(nexus.EventSvcDel, r.applyDel)
	tree.RegisterHandler(nexus.EventSvcSetActive, r.applySetActive)
	return r
}

func (r *Registry) applyAdd(t *hive.Tree, ev nexus.Event) error {
	var p svcAddPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}

	path := recordPath(p.Network, p.Name)
	var existing core.ServiceRecord
	ok, err := hive.Get(r.tree, path, &existing)
	if err != nil {
		return err
	}

	rec := core.ServiceRecord{Name: p.Name, Network: p.Network, SvcInfo: p.Info}
	if ok {
		rec.SvcInfo = mergeSvcInfo(existing.SvcInfo, p.Info)
	}
	rec.SvcInfo.Online = p.Link
	if err := t.Set(path, rec); err != nil {
		return err
	}

	if r.aliasName != "" && rec.SvcInfo.Leader {
		aliasRec := core.ServiceRecord{
			Name:    r.aliasName,
			Network: p.Network,
			SvcInfo: rec.SvcInfo,
		}
		if err := t.Set(recordPath(p.Network, r.aliasName), aliasRec); err != nil {
			return err
		}
	}
	return nil
}

func mergeSvcInfo(base, overlay core.SvcInfo) core.SvcInfo {
	merged := base
	if overlay.UrlInfo != (core.UrlInfo{}) {
		merged.UrlInfo = overlay.UrlInfo
	}
	merged.Leader = overlay.Leader
	merged.Run = overlay.Run
	merged.Ready = base.Ready // ready only changes via modAhaSvcInfo
	return merged
}

func (r *Registry) applyDown(t *hive.Tree, ev nexus.Event) error {
	var p svcDownPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	path := recordPath(p.Network, p.Name)
	var rec core.ServiceRecord
	ok, err := hive.Get(r.tree, path, &rec)
	if err != nil || !ok {
		return err
	}
	if rec.SvcInfo.Online != p.Link {
		return nil // stale close; a fresher session already owns this record
	}
	rec.SvcInfo.Online = ""
	return t.Set(path, rec)
}

func (r *Registry) applyMod(t *hive.Tree, ev nexus.Event) error {
	var p svcModPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	name, network, err := core.SplitFullName(p.FullName)
	if err != nil {
		return err
	}
	path := recordPath(network, name)
	var rec core.ServiceRecord
	ok, err := hive.Get(r.tree, path, &rec)
	if err != nil || !ok {
		return err
	}
	for k, v := range p.Info {
		if k == "ready" {
			ready, _ := v.(bool)
			rec.SvcInfo.Ready = ready
		}
	}
	return t.Set(path, rec)
}

func (r *Registry) applyDel(t *hive.Tree, ev nexus.Event) error {
	var p svcDelPayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	path := recordPath(p.Network, p.Name)
	var rec core.ServiceRecord
	ok, err := hive.Get(r.tree, path, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	t.Del(path)
	if r.aliasName != "" {
		var alias core.ServiceRecord
		if ok, _ := hive.Get(r.tree, recordPath(p.Network, r.aliasName), &alias); ok && alias.SvcInfo.Online == rec.SvcInfo.Online {
			t.Del(recordPath(p.Network, r.aliasName))
		}
	}
	return nil
}

// applySetActive implements spec.md §8 scenario 3's failover alias:
// deactivating the numbered instance currently behind a leader alias
// drops the alias record (so the alias name stops resolving) while
// leaving the numbered record itself untouched and online; activating
// one (re)points the alias at it, mirroring applyAdd's own
// leader=true alias-upsert.
func (r *Registry) applySetActive(t *hive.Tree, ev nexus.Event) error {
	var p svcSetActivePayload
	if err := nexus.Decode(ev, &p); err != nil {
		return err
	}
	name, network, err := core.SplitFullName(p.FullName)
	if err != nil {
		return err
	}
	path := recordPath(network, name)
	var rec core.ServiceRecord
	ok, err := hive.Get(r.tree, path, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return &core.ErrNoSuchName{Name: p.FullName}
	}

	rec.SvcInfo.Leader = p.Active
	if err := t.Set(path, rec); err != nil {
		return err
	}

	if r.aliasName == "" {
		return nil
	}
	aliasPath := recordPath(network, r.aliasName)
	if p.Active {
		return t.Set(aliasPath, core.ServiceRecord{Name: r.aliasName, Network: network, SvcInfo: rec.SvcInfo})
	}
	var alias core.ServiceRecord
	if ok, _ := hive.Get(r.tree, aliasPath, &alias); ok && alias.SvcInfo.Online == rec.SvcInfo.Online {
		t.Del(aliasPath)
	}
	return nil
}

// AddAhaSvc implements spec.md §4.5's addAhaSvc: network is required;
// link is the caller's session-link identity, recorded as Online.
func (r *Registry) AddAhaSvc(ctx context.Context, name string, info core.SvcInfo, network, link string) error {
	if network == "" {
		return &core.ErrNeedConfValu{Key: "network"}
	}
	_, err := r.nexusLog.Append(ctx, nexus.EventSvcAdd, svcAddPayload{
		Name: name, Network: network, Info: info, Link: link,
	})
	return err
}

// SetAhaSvcDown implements spec.md §4.5's setAhaSvcDown.
func (r *Registry) SetAhaSvcDown(ctx context.Context, name, network, link string) error {
	_, err := r.nexusLog.Append(ctx, nexus.EventSvcDown, svcDownPayload{Name: name, Network: network, Link: link})
	return err
}

// ModAhaSvcInfo implements spec.md §4.5's modAhaSvcInfo, rejecting any
// key outside core.ModAllowedKeys with bad-arg before ever appending.
func (r *Registry) ModAhaSvcInfo(ctx context.Context, fullName string, info map[string]any) error {
	for k := range info {
		if _, ok := core.ModAllowedKeys[k]; !ok {
			return &core.ErrBadArg{Reason: fmt.Sprintf("modAhaSvcInfo: key %q is not modifiable", k)}
		}
	}
	_, err := r.nexusLog.Append(ctx, nexus.EventSvcMod, svcModPayload{FullName: fullName, Info: info})
	return err
}

// DelAhaSvc implements spec.md §4.5's delAhaSvc.
func (r *Registry) DelAhaSvc(ctx context.Context, name, network string) error {
	_, err := r.nexusLog.Append(ctx, nexus.EventSvcDel, svcDelPayload{Name: name, Network: network})
	return err
}

// SetCellActive implements spec.md §8 scenario 3's setCellActive: it
// flips fullName's leader flag and, when this cell declares a leader
// alias, keeps the alias record in lockstep — dropping it on
// deactivation so the alias name stops resolving while fullName's own
// numbered record stays online and independently resolvable.
func (r *Registry) SetCellActive(ctx context.Context, fullName string, active bool) error {
	_, err := r.nexusLog.Append(ctx, nexus.EventSvcSetActive, svcSetActivePayload{FullName: fullName, Active: active})
	return err
}

// GetAhaSvc implements spec.md §4.5's getAhaSvc; it is a pure hive
// read and appends no event.
func (r *Registry) GetAhaSvc(fullName string) (core.ServiceRecord, error) {
	name, network, err := core.SplitFullName(fullName)
	if err != nil {
		return core.ServiceRecord{}, err
	}
	var rec core.ServiceRecord
	ok, err := hive.Get(r.tree, recordPath(network, name), &rec)
	if err != nil {
		return core.ServiceRecord{}, err
	}
	if !ok {
		return core.ServiceRecord{}, &core.ErrNoSuchName{Name: fullName}
	}
	return rec, nil
}

// GetAhaSvcs implements spec.md §4.5's getAhaSvcs; network == "" lists
// every network.
func (r *Registry) GetAhaSvcs(network string) ([]core.ServiceRecord, error) {
	prefix := svcPath
	if network != "" {
		prefix = svcPath.Join(network)
	}
	all, err := hive.List[core.ServiceRecord](r.tree, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.ServiceRecord, 0, len(all))
	for _, rec := range all {
		out = append(out, rec)
	}
	return out, nil
}

// HandleLinkClosed implements spec.md §4.5's link-death handling: for
// every service record online under linkIden, atomically transitions
// it offline. Called by the transport layer when a session closes.
func (r *Registry) HandleLinkClosed(ctx context.Context, linkIden string) error {
	all, err := hive.List[core.ServiceRecord](r.tree, svcPath)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.SvcInfo.Online == linkIden {
			if err := r.SetAhaSvcDown(ctx, rec.Name, rec.Network, linkIden); err != nil {
				return err
			}
		}
	}
	return nil
}

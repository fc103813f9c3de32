package hive

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vertex-link/aha/internal/nexus"
)

// Handler decodes one nexus.Event and applies its effect to tree
// through Tree.Set and Tree.Del, returning an error if the event
// cannot be applied. Registry/pool/pki/provision each register one Handler per
// event name they produce; hive itself has no domain knowledge.
type Handler func(tree *Tree, ev nexus.Event) error

// tree is the immutable snapshot readers see. Mutating it always
// means building a new tree and swapping the Hive's pointer, not
// editing values in place, so concurrent Get/List calls never race
// with Apply.
type Tree struct {
	nodes map[string]json.RawMessage // flat path -> value
}

func newTree() *Tree {
	return &Tree{nodes: make(map[string]json.RawMessage)}
}

func (t *Tree) clone() *Tree {
	nt := newTree()
	for k, v := range t.nodes {
		nt.nodes[k] = v
	}
	return nt
}

// Get returns the raw value stored at path, if any.
func (t *Tree) Get(path Path) (json.RawMessage, bool) {
	v, ok := t.nodes[path.String()]
	return v, ok
}

// List returns every path under prefix (prefix itself excluded) with
// its raw value. An empty prefix lists the whole tree.
func (t *Tree) List(prefix Path) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	exact := prefix.String()
	for k, v := range t.nodes {
		if k == exact {
			continue
		}
		if len(prefix) == 0 || ParsePath(k).HasPrefix(prefix) {
			out[k] = v
		}
	}
	return out
}

// Set records path's value in the working tree. Handlers call this
// (never a Hive's internal nodes directly) while they run inside
// Apply; it has no effect once Apply has returned and the tree has
// been published, since by then a Handler no longer holds a
// reference to the mutable clone.
func (t *Tree) Set(path Path, value any) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("hive: marshal %s: %w", path, err)
	}
	t.nodes[path.String()] = buf
	return nil
}

// Del removes path and everything nested under it.
func (t *Tree) Del(path Path) {
	for k := range t.nodes {
		if k == path.String() || ParsePath(k).HasPrefix(path) {
			delete(t.nodes, k)
		}
	}
}

// Hive is the versioned tree: a nexus.Applier that also satisfies
// nexus.Snapshotter so a follower that falls behind can be brought
// current with a full-state transfer instead of event replay.
type Hive struct {
	mu       sync.Mutex // serialises Apply/Restore; readers never take it
	current  atomic.Pointer[Tree]
	offset   atomic.Uint64
	handlers map[string]Handler
}

// New returns an empty Hive with no registered handlers.
func New() *Hive {
	h := &Hive{handlers: make(map[string]Handler)}
	h.current.Store(newTree())
	return h
}

// RegisterHandler wires a domain package's decode-and-mutate function
// to an event name. Call this during construction, before the Hive's
// owning Leader/Follower starts receiving events.
func (h *Hive) RegisterHandler(eventName string, fn Handler) {
	h.handlers[eventName] = fn
}

// Apply implements nexus.Applier. It looks up the handler registered
// for ev.Name, runs it against a clone of the current tree, and
// atomically publishes the result. An event with no registered
// handler is ignored rather than treated as an error, so a follower
// running an older binary than the leader can skip events it does
// not yet understand instead of crashing.
func (h *Hive) Apply(ev nexus.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn, ok := h.handlers[ev.Name]
	if !ok {
		h.offset.Store(ev.Offset + 1)
		return nil
	}

	next := h.current.Load().clone()
	if err := fn(next, ev); err != nil {
		return fmt.Errorf("hive: handler for %s: %w", ev.Name, err)
	}
	h.current.Store(next)
	h.offset.Store(ev.Offset + 1)
	return nil
}

// View returns the tree snapshot in effect right now. Callers must
// treat it as read-only; it is shared across goroutines.
func (h *Hive) View() *Tree {
	return h.current.Load()
}

// Offset is the next offset this hive expects to Apply, i.e. the
// number of events it has applied so far.
func (h *Hive) Offset() uint64 {
	return h.offset.Load()
}

// Snapshot implements nexus.Snapshotter: it serialises the entire
// tree as a flat path->value map, suitable for shipping to a
// far-behind follower.
func (h *Hive) Snapshot() ([]byte, uint64, error) {
	tree := h.current.Load()
	keys := make([]string, 0, len(tree.nodes))
	for k := range tree.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		ordered[k] = tree.nodes[k]
	}
	buf, err := json.Marshal(ordered)
	if err != nil {
		return nil, 0, fmt.Errorf("hive: marshal snapshot: %w", err)
	}
	return buf, h.Offset(), nil
}

// Restore implements nexus.Snapshotter: it replaces the entire tree
// with the contents of a previously captured Snapshot.
func (h *Hive) Restore(data []byte, offset uint64) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("hive: unmarshal snapshot: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := newTree()
	for k, v := range flat {
		next.nodes[k] = v
	}
	h.current.Store(next)
	h.offset.Store(offset)
	return nil
}

// Get is a convenience wrapper decoding the value at path into v,
// returning false if nothing is stored there.
func Get[T any](h *Hive, path Path, v *T) (bool, error) {
	raw, ok := h.View().Get(path)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("hive: decode %s: %w", path, err)
	}
	return true, nil
}

// List is a convenience wrapper decoding every value under prefix
// into T, keyed by the value's flat path string.
func List[T any](h *Hive, prefix Path) (map[string]T, error) {
	raw := h.View().List(prefix)
	out := make(map[string]T, len(raw))
	for k, v := range raw {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, fmt.Errorf("hive: decode %s: %w", k, err)
		}
		out[k] = item
	}
	return out, nil
}

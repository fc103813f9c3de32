package hive_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestHive() *hive.Hive {
	h := hive.New()
	h.RegisterHandler("widget:add", func(t *hive.Tree, ev nexus.Event) error {
		var w widget
		if err := nexus.Decode(ev, &w); err != nil {
			return err
		}
		return t.Set(hive.Path{"widgets", w.Name}, w)
	})
	h.RegisterHandler("widget:del", func(t *hive.Tree, ev nexus.Event) error {
		var w widget
		if err := nexus.Decode(ev, &w); err != nil {
			return err
		}
		t.Del(hive.Path{"widgets", w.Name})
		return nil
	})
	return h
}

func TestHiveApplyAndGet(t *testing.T) {
	h := newTestHive()

	require.NoError(t, h.Apply(nexus.Event{Offset: 0, Name: "widget:add", Payload: mustJSON(t, widget{Name: "a", Count: 1})}))
	require.NoError(t, h.Apply(nexus.Event{Offset: 1, Name: "widget:add", Payload: mustJSON(t, widget{Name: "b", Count: 2})}))

	var w widget
	ok, err := hive.Get(h, hive.Path{"widgets", "a"}, &w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, widget{Name: "a", Count: 1}, w)

	all, err := hive.List[widget](h, hive.Path{"widgets"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(2), h.Offset())
}

func TestHiveDelRemovesEntry(t *testing.T) {
	h := newTestHive()
	require.NoError(t, h.Apply(nexus.Event{Offset: 0, Name: "widget:add", Payload: mustJSON(t, widget{Name: "a"})}))
	require.NoError(t, h.Apply(nexus.Event{Offset: 1, Name: "widget:del", Payload: mustJSON(t, widget{Name: "a"})}))

	var w widget
	ok, err := hive.Get(h, hive.Path{"widgets", "a"}, &w)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHiveUnknownEventIsIgnoredNotErrored(t *testing.T) {
	h := newTestHive()
	require.NoError(t, h.Apply(nexus.Event{Offset: 0, Name: "some:unrecognised:event"}))
	assert.Equal(t, uint64(1), h.Offset())
}

func TestHiveSnapshotRoundTrips(t *testing.T) {
	h := newTestHive()
	require.NoError(t, h.Apply(nexus.Event{Offset: 0, Name: "widget:add", Payload: mustJSON(t, widget{Name: "a", Count: 7})}))

	data, offset, err := h.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), offset)

	restored := hive.New()
	require.NoError(t, restored.Restore(data, offset))
	assert.Equal(t, uint64(1), restored.Offset())

	var w widget
	ok, err := hive.Get(restored, hive.Path{"widgets", "a"}, &w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, w.Count)
}

func TestTreeReadsDuringApplyDoNotRace(t *testing.T) {
	h := newTestHive()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = h.View()
		}
	}()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Apply(nexus.Event{
			Offset:  uint64(i),
			Name:    "widget:add",
			Payload: mustJSON(t, widget{Name: "race", Count: i}),
		}))
	}
	<-done
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}

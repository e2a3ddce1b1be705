package basket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"basket/pkg/storage"
)

// mapSlots is an in-memory storage.Slots used to drive the store in tests.
type mapSlots struct {
	mu         sync.Mutex
	values     map[string][]byte
	failGet    error
	failSet    error
	failDelete error
}

func newMapSlots() *mapSlots {
	return &mapSlots{values: make(map[string][]byte)}
}

func (m *mapSlots) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	v, ok := m.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *mapSlots) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapSlots) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	delete(m.values, key)
	return nil
}

func (m *mapSlots) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *mapSlots) raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.values[key])
}

func newTestStore(t *testing.T, slots storage.Slots) *Store {
	t.Helper()
	s := NewStore(slots, Options{})
	t.Cleanup(s.Close)
	return s
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())

	want := Basket{
		{LineID: "l1", ProductID: "p-7", Name: "Woven Tote", Color: "Sage", Description: "gift wrap please", Price: 42},
		{LineID: "l2", Name: "Woven Tote", Price: 42},
		{LineID: "l3", Name: "Coaster"},
	}
	_, err := s.Save(ctx, "", want)
	require.NoError(t, err)

	got := s.Load(ctx, "")
	if diff := cmp.Diff(want, got.Items); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Version(want), got.Version)
}

func TestLoadFailSoft(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"non json":     "{not json",
		"object":       `{"name":"Tote"}`,
		"string":       `"hello"`,
		"number":       `12`,
		"wrong fields": `[{"name": 5}]`,
		"scalars":      `[1, 2, 3]`,
		"null":         `null`,
		"empty":        ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			slots := newMapSlots()
			require.NoError(t, slots.Set(ctx, DefaultKey, []byte(raw)))
			s := newTestStore(t, slots)

			snap := s.Load(ctx, "")
			assert.NotNil(t, snap.Items)
			assert.Empty(t, snap.Items)
			assert.Equal(t, Version(Basket{}), snap.Version)
		})
	}

	t.Run("absent", func(t *testing.T) {
		s := newTestStore(t, newMapSlots())
		assert.Empty(t, s.Load(ctx, "").Items)
	})

	t.Run("unreadable", func(t *testing.T) {
		slots := newMapSlots()
		slots.failGet = errors.New("disk on fire")
		s := newTestStore(t, slots)
		assert.Empty(t, s.Load(ctx, "").Items)
	})
}

func TestAddAppendsToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())

	_, err := s.Add(ctx, "", LineItem{Name: "Scarf"})
	require.NoError(t, err)
	before := s.Load(ctx, "")

	added, err := s.Add(ctx, "", LineItem{Name: "  Basket  ", Color: " Blush "})
	require.NoError(t, err)
	assert.NotEmpty(t, added.LineID)

	after := s.Load(ctx, "")
	require.Len(t, after.Items, len(before.Items)+1)
	assert.Equal(t, added, after.Items[len(after.Items)-1])
	assert.Equal(t, "Basket", added.Name)
	assert.Equal(t, "Blush", added.Color)
}

func TestAddDefaultsName(t *testing.T) {
	s := newTestStore(t, newMapSlots())
	added, err := s.Add(context.Background(), "", LineItem{})
	require.NoError(t, err)
	assert.Equal(t, PlaceholderName, added.Name)
}

func TestAddRejectsNegativePrice(t *testing.T) {
	s := newTestStore(t, newMapSlots())
	_, err := s.Add(context.Background(), "", LineItem{Name: "Tote", Price: -1})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Empty(t, s.Load(context.Background(), "").Items)
}

func TestAddKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())
	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, "", LineItem{Name: "Tote"})
		require.NoError(t, err)
	}
	assert.Len(t, s.Load(ctx, "").Items, 3)
}

func TestRemoveAtKeepsRelativeOrder(t *testing.T) {
	ctx := context.Background()
	names := []string{"a", "b", "c", "d"}
	for i := range names {
		t.Run(names[i], func(t *testing.T) {
			s := newTestStore(t, newMapSlots())
			for _, n := range names {
				_, err := s.Add(ctx, "", LineItem{Name: n})
				require.NoError(t, err)
			}

			removed, err := s.RemoveAt(ctx, "", i, "")
			require.NoError(t, err)
			assert.Equal(t, names[i], removed.Name)

			var got []string
			for _, item := range s.Load(ctx, "").Items {
				got = append(got, item.Name)
			}
			want := append(append([]string{}, names[:i]...), names[i+1:]...)
			assert.Equal(t, want, got)
		})
	}
}

func TestRemoveAtOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())
	_, err := s.Add(ctx, "", LineItem{Name: "a"})
	require.NoError(t, err)

	_, err = s.RemoveAt(ctx, "", 1, "")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = s.RemoveAt(ctx, "", -1, "")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Len(t, s.Load(ctx, "").Items, 1)
}

func TestRemoveAtRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())
	_, err := s.Add(ctx, "", LineItem{Name: "a"})
	require.NoError(t, err)
	rendered := s.Load(ctx, "")

	_, err = s.Add(ctx, "", LineItem{Name: "b"})
	require.NoError(t, err)

	_, err = s.RemoveAt(ctx, "", 0, rendered.Version)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Len(t, s.Load(ctx, "").Items, 2)

	current := s.Load(ctx, "")
	_, err = s.RemoveAt(ctx, "", 0, current.Version)
	require.NoError(t, err)
	assert.Equal(t, "b", s.Load(ctx, "").Items[0].Name)
}

func TestRemoveLine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())
	first, err := s.Add(ctx, "", LineItem{Name: "a"})
	require.NoError(t, err)
	_, err = s.Add(ctx, "", LineItem{Name: "b"})
	require.NoError(t, err)

	_, err = s.RemoveLine(ctx, "", first.LineID)
	require.NoError(t, err)
	items := s.Load(ctx, "").Items
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Name)

	_, err = s.RemoveLine(ctx, "", first.LineID)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	slots := newMapSlots()
	s := newTestStore(t, slots)
	_, err := s.Add(ctx, "", LineItem{Name: "a"})
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, ""))
	assert.False(t, slots.has(DefaultKey), "clear deletes the slot")
	snap := s.Load(ctx, "")
	assert.Empty(t, snap.Items)
	assert.Equal(t, Version(Basket{}), snap.Version)

	slots.failDelete = errors.New("disk full")
	err = s.Clear(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestLabelFallsBackForBlankNames(t *testing.T) {
	ctx := context.Background()
	slots := newMapSlots()
	require.NoError(t, slots.Set(ctx, DefaultKey, []byte(`[{"price":3},{"name":"  ","color":"Sage"}]`)))
	s := newTestStore(t, slots)

	snap := s.Load(ctx, "")
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "", snap.Items[0].Name, "load keeps persisted data as is")
	assert.Equal(t, PlaceholderName, snap.Items[0].Label())
	assert.Equal(t, PlaceholderName+" (Sage)", snap.Items[1].Label())

	_, err := s.Save(ctx, "bob", Basket{{Price: 3}})
	require.NoError(t, err)
	assert.Equal(t, PlaceholderName, s.Load(ctx, "bob").Items[0].Label())
}

func TestOwnersUseSeparateSlots(t *testing.T) {
	ctx := context.Background()
	slots := newMapSlots()
	s := newTestStore(t, slots)

	_, err := s.Add(ctx, "alice", LineItem{Name: "a"})
	require.NoError(t, err)

	assert.Len(t, s.Load(ctx, "alice").Items, 1)
	assert.Empty(t, s.Load(ctx, "bob").Items)
	assert.Empty(t, s.Load(ctx, "").Items)
	assert.NotEmpty(t, slots.raw(DefaultKey+":alice"))
}

func TestSaveFailureSurfaces(t *testing.T) {
	slots := newMapSlots()
	slots.failSet = errors.New("quota exceeded")
	s := newTestStore(t, slots)

	_, err := s.Add(context.Background(), "", LineItem{Name: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestMutationsPublishRefresh(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMapSlots())

	events, cancel := s.Subscribe("alice")
	defer cancel()
	others, cancelOthers := s.Subscribe("bob")
	defer cancelOthers()

	_, err := s.Add(ctx, "alice", LineItem{Name: "Tote"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventAdded, ev.Kind)
		assert.Equal(t, "Tote added to your basket", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("expected refresh event")
	}
	select {
	case ev := <-others:
		t.Fatalf("unexpected event for other owner: %+v", ev)
	default:
	}

	s.Broadcast(Event{Kind: EventExternal})
	assert.Equal(t, EventExternal, (<-others).Kind)
	assert.Equal(t, EventExternal, (<-events).Kind)
}

func TestContextCancelled(t *testing.T) {
	s := newTestStore(t, newMapSlots())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Add(ctx, "", LineItem{Name: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

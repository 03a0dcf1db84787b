package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"contenthistory/internal/policy"
	"contenthistory/internal/store"
	"github.com/stretchr/testify/require"
)

type note struct {
	id     int64
	title  string
	body   string
	tagID  *int64
	public bool
}

func (n *note) Ref() store.ConsumerRef { return store.ConsumerRef{Type: "note", ID: n.id} }

func (n *note) DisplayText() string { return n.title }

func (n *note) Public() bool { return n.public }

func (n *note) Field(name string) (any, error) {
	switch name {
	case "title":
		return n.title, nil
	case "body":
		return n.body, nil
	case "tag":
		return n.tagID, nil
	case "public":
		return n.public, nil
	}
	return nil, fmt.Errorf("note has no field %q", name)
}

func (n *note) SetField(name string, value any) error {
	switch name {
	case "title", "body":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s wants string, got %T", name, value)
		}
		if name == "title" {
			n.title = s
		} else {
			n.body = s
		}
	case "tag":
		id, ok := value.(*int64)
		if !ok {
			return fmt.Errorf("tag wants *int64, got %T", value)
		}
		n.tagID = id
	case "public":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("public wants bool, got %T", value)
		}
		n.public = b
	default:
		return fmt.Errorf("note has no field %q", name)
	}
	return nil
}

// noteType keeps notes in memory; the history tables are real.
type noteType struct {
	mu    sync.Mutex
	notes map[int64]note
	tags  map[int64]bool
}

func newNoteType() *noteType {
	return &noteType{notes: map[int64]note{}, tags: map[int64]bool{}}
}

func (t *noteType) Name() string { return "note" }

func (t *noteType) FieldKind(field string) (string, bool) {
	switch field {
	case "tag":
		return ReferenceKind("tag"), true
	case "public":
		return KindBool, true
	case "title", "body":
		return KindText, true
	}
	return "", false
}

func (t *noteType) Load(_ context.Context, _ store.DBTX, id int64) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.notes[id]
	if !ok {
		return nil, fmt.Errorf("note %d: %w", id, store.ErrNotFound)
	}
	return &n, nil
}

func (t *noteType) Save(_ context.Context, _ store.DBTX, c Consumer) error {
	n := c.(*note)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes[n.id] = *n
	return nil
}

func (t *noteType) put(n *note) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes[n.id] = *n
}

func (t *noteType) get(id int64) note {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notes[id]
}

func (t *noteType) setTag(id int64, exists bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags[id] = exists
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = text
	return nil
}

type fixture struct {
	engine *Engine
	sql    *store.SQLStore
	notes  *noteType
	clock  *fakeClock
	policy *policy.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	dir := store.MigrationsDir(filepath.Join("..", "..", "db", "migrations"), store.DialectSQLite)
	require.NoError(t, store.ApplyMigrations(ctx, db, dir))
	s := store.NewSQLStore(db, store.DialectSQLite)

	notes := newNoteType()
	coercers := NewCoercionRegistry()
	coercers.Register(ReferenceKind("tag"), ReferenceCoercer{
		Exists: func(_ context.Context, _ store.DBTX, id int64) (bool, error) {
			notes.mu.Lock()
			defer notes.mu.Unlock()
			return notes.tags[id], nil
		},
	})

	p := policy.New()
	p.ObserveFields("note", "title", "body", "tag", "public")
	p.ObserveTimeline("note", policy.Rule{Create: true, Edit: true, Delete: true})

	clock := &fakeClock{t: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	engine := New(NewSQLStore(s), p, Options{
		Types:    NewTypeRegistry(notes),
		Coercers: coercers,
		Clock:    clock.Now,
	})
	return &fixture{engine: engine, sql: s, notes: notes, clock: clock, policy: p}
}

var editor = Meta{Actor: &Actor{ID: "u1", Name: "Editor"}, Origin: "127.0.0.1"}

// save stores n and records kind for it, like the content layer does.
func (f *fixture) save(t *testing.T, n *note, kind store.ActionKind) *store.Action {
	t.Helper()
	f.notes.put(n)
	action, err := f.engine.RecordMutation(context.Background(), n, kind, editor)
	require.NoError(t, err)
	return action
}

func (f *fixture) countActions(t *testing.T, ref store.ConsumerRef) int {
	t.Helper()
	n, err := f.sql.CountActions(context.Background(), store.ActionFilter{ConsumerType: ref.Type, ConsumerID: ref.ID})
	require.NoError(t, err)
	return n
}

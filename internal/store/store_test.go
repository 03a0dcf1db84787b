package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := MigrationsDir(filepath.Join("..", "..", "db", "migrations"), DialectSQLite)
	require.NoError(t, ApplyMigrations(ctx, db, dir))
	return NewSQLStore(db, DialectSQLite)
}

func strPtr(s string) *string { return &s }

func insertAction(t *testing.T, s *SQLStore, ref ConsumerRef, kind ActionKind, actor string, at time.Time) Action {
	t.Helper()
	action := Action{
		Consumer:       ref,
		Kind:           kind,
		ShowInTimeline: true,
		CreatedAt:      at,
	}
	if actor != "" {
		action.ActorID = strPtr(actor)
		action.ActorName = strPtr("User " + actor)
	}
	require.NoError(t, s.InsertAction(context.Background(), &action))
	return action
}

func TestActionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 30, 0, 123000, time.UTC)
	ref := ConsumerRef{Type: "document", ID: 7}

	action := Action{
		Consumer:       ref,
		Kind:           ActionEdit,
		ActorID:        strPtr("u1"),
		ActorName:      strPtr("Ada"),
		Origin:         strPtr("10.0.0.1"),
		ShowInTimeline: false,
		CreatedAt:      at,
	}
	require.NoError(t, s.InsertAction(ctx, &action))
	require.NotZero(t, action.ID)

	got, err := s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, ref, got.Consumer)
	assert.Equal(t, ActionEdit, got.Kind)
	assert.Equal(t, "Ada", *got.ActorName)
	assert.Equal(t, "10.0.0.1", *got.Origin)
	assert.False(t, got.ShowInTimeline)
	assert.Nil(t, got.RollbackTo)
	assert.True(t, at.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, at)

	_, err = s.GetAction(ctx, action.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiffVersionsAreUniquePerField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := ConsumerRef{Type: "document", ID: 1}
	action := insertAction(t, s, ref, ActionEdit, "", time.Now())

	first := Diff{ActionID: action.ID, Consumer: ref, Field: "title", Version: 1, Change: "p1", CreatedAt: time.Now()}
	require.NoError(t, s.InsertDiff(ctx, &first))

	dup := Diff{ActionID: action.ID, Consumer: ref, Field: "title", Version: 1, Change: "p1b", CreatedAt: time.Now()}
	require.Error(t, s.InsertDiff(ctx, &dup))

	other := Diff{ActionID: action.ID, Consumer: ref, Field: "body", Version: 1, Change: "p2", CreatedAt: time.Now()}
	require.NoError(t, s.InsertDiff(ctx, &other))

	last, err := s.LastVersion(ctx, ref, "title")
	require.NoError(t, err)
	assert.Equal(t, 1, last)

	none, err := s.LastVersion(ctx, ref, "slug")
	require.NoError(t, err)
	assert.Equal(t, 0, none)

	rows, err := s.DiffsAtVersion(ctx, ref, "title", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].Change)
}

func TestListDiffsRespectsUpperBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := ConsumerRef{Type: "document", ID: 2}
	for v := 1; v <= 4; v++ {
		action := insertAction(t, s, ref, ActionEdit, "", time.Now())
		d := Diff{ActionID: action.ID, Consumer: ref, Field: "body", Version: v, Change: "c", CreatedAt: time.Now()}
		require.NoError(t, s.InsertDiff(ctx, &d))
	}

	all, err := s.ListDiffs(ctx, ref, "body", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, d := range all {
		assert.Equal(t, i+1, d.Version)
	}

	some, err := s.ListDiffs(ctx, ref, "body", 2)
	require.NoError(t, err)
	assert.Len(t, some, 2)

	first, err := s.FirstVersion(ctx, ref, "body")
	require.NoError(t, err)
	assert.Equal(t, 1, first)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := ConsumerRef{Type: "document", ID: 3}

	err := s.WithTx(ctx, func(q *Queries) error {
		action := Action{Consumer: ref, Kind: ActionEdit, CreatedAt: time.Now()}
		if err := q.InsertAction(ctx, &action); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	count, err := s.CountActions(ctx, ActionFilter{ConsumerType: "document", ConsumerID: 3})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHasActionSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := ConsumerRef{Type: "document", ID: 4}
	midnight := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	insertAction(t, s, ref, ActionEdit, "", midnight.Add(-time.Hour))
	found, err := s.HasActionSince(ctx, ref, []ActionKind{ActionCreate, ActionEdit}, midnight)
	require.NoError(t, err)
	assert.False(t, found)

	insertAction(t, s, ref, ActionDelete, "", midnight.Add(time.Hour))
	found, err = s.HasActionSince(ctx, ref, []ActionKind{ActionCreate, ActionEdit}, midnight)
	require.NoError(t, err)
	assert.False(t, found, "delete actions must not count")

	insertAction(t, s, ref, ActionEdit, "", midnight.Add(2*time.Hour))
	found, err = s.HasActionSince(ctx, ref, []ActionKind{ActionCreate, ActionEdit}, midnight)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestListActionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	doc := ConsumerRef{Type: "document", ID: 1}
	tag := ConsumerRef{Type: "tag", ID: 9}

	a1 := insertAction(t, s, doc, ActionCreate, "u1", base)
	a2 := Action{Consumer: doc, Kind: ActionEdit, ActorID: strPtr("u2"), Origin: strPtr("192.168.1.20"), ShowInTimeline: true, CreatedAt: base.Add(time.Hour)}
	require.NoError(t, s.InsertAction(ctx, &a2))
	a3 := Action{Consumer: tag, Kind: ActionEdit, ActorID: strPtr("u1"), Origin: strPtr("10.1.1.1"), ShowInTimeline: true, CreatedAt: base.Add(2 * time.Hour)}
	require.NoError(t, s.InsertAction(ctx, &a3))

	d := Diff{ActionID: a2.ID, Consumer: doc, Field: "title", Version: 1, Change: "x", CreatedAt: a2.CreatedAt}
	require.NoError(t, s.InsertDiff(ctx, &d))

	all, err := s.ListActions(ctx, ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{a3.ID, a2.ID, a1.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	byConsumer, err := s.ListActions(ctx, ActionFilter{ConsumerType: "document", ConsumerID: 1})
	require.NoError(t, err)
	assert.Len(t, byConsumer, 2)

	byField, err := s.ListActions(ctx, ActionFilter{ConsumerType: "document", ConsumerID: 1, Field: "title"})
	require.NoError(t, err)
	require.Len(t, byField, 1)
	assert.Equal(t, a2.ID, byField[0].ID)

	byActor, err := s.ListActions(ctx, ActionFilter{ActorID: "u1"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byPrefix, err := s.ListActions(ctx, ActionFilter{Origin: "192.168.*"})
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, a2.ID, byPrefix[0].ID)

	exact, err := s.ListActions(ctx, ActionFilter{Origin: "10.1.1"})
	require.NoError(t, err)
	assert.Empty(t, exact)

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	ranged, err := s.ListActions(ctx, ActionFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, a2.ID, ranged[0].ID)

	page, err := s.ListActions(ctx, ActionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a2.ID, page[0].ID)
}

func TestTimelineAndAuthorsTop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	doc := ConsumerRef{Type: "document", ID: 5}

	insertAction(t, s, doc, ActionCreate, "u1", base)
	hidden := Action{Consumer: doc, Kind: ActionEdit, ActorID: strPtr("u1"), ShowInTimeline: false, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, s.InsertAction(ctx, &hidden))
	insertAction(t, s, doc, ActionDelete, "u2", base.Add(2*time.Minute))
	insertAction(t, s, ConsumerRef{Type: "tag", ID: 1}, ActionEdit, "u2", base.Add(3*time.Minute))

	items, err := s.Timeline(ctx, TimelineQuery{Types: []string{"document"}, From: base.Add(-time.Hour), To: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ActionCreate, items[0].Kind)

	top, err := s.AuthorsTop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u1", top[0].ActorID)
	assert.Equal(t, 2, top[0].Actions)
	assert.Equal(t, "u2", top[1].ActorID)
}

func TestSearchDiffs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := ConsumerRef{Type: "document", ID: 8}
	action := insertAction(t, s, ref, ActionEdit, "u1", time.Now())
	d := Diff{ActionID: action.ID, Consumer: ref, Field: "body", Version: 1, Change: "+hello 100% world", CreatedAt: time.Now()}
	require.NoError(t, s.InsertDiff(ctx, &d))

	hits, total, err := s.SearchDiffs(ctx, "100%", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)
	assert.Equal(t, "User u1", hits[0].ActorName)

	hits, total, err = s.SearchDiffs(ctx, "hello", "tag", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, hits)
}

func TestDocumentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	db := s.DBTX()

	tag := Tag{Title: "News"}
	require.NoError(t, InsertTag(ctx, db, &tag))

	doc := Document{Title: "Hello", Body: "line", TagID: &tag.ID}
	require.NoError(t, InsertDocument(ctx, db, &doc))

	got, err := GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Title)
	require.NotNil(t, got.TagID)
	assert.Equal(t, tag.ID, *got.TagID)

	got.Title = "Hello again"
	got.TagID = nil
	require.NoError(t, UpdateDocument(ctx, db, &got))

	again, err := GetDocument(ctx, db, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello again", again.Title)
	assert.Nil(t, again.TagID)

	require.NoError(t, DeleteDocument(ctx, db, doc.ID))
	_, err = GetDocument(ctx, db, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, DeleteDocument(ctx, db, doc.ID), ErrNotFound)
}

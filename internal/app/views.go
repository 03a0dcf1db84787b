package app

import (
	"time"

	"contenthistory/internal/history"
	"contenthistory/internal/patch"
	"contenthistory/internal/store"
)

type ActionView struct {
	ID             int64             `json:"id"`
	Consumer       store.ConsumerRef `json:"consumer"`
	Kind           string            `json:"kind"`
	ActorID        *string           `json:"actorId"`
	ActorName      *string           `json:"actorName"`
	Origin         *string           `json:"origin"`
	RollbackTo     *int64            `json:"rollbackTo,omitempty"`
	ShowInTimeline bool              `json:"showInTimeline"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type DiffView struct {
	ID        int64             `json:"id"`
	ActionID  int64             `json:"actionId"`
	Consumer  store.ConsumerRef `json:"consumer"`
	Field     string            `json:"field"`
	Version   int               `json:"version"`
	Change    string            `json:"change"`
	Added     int               `json:"added"`
	Removed   int               `json:"removed"`
	CreatedAt time.Time         `json:"createdAt"`
}

type DocumentView struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Body      string    `json:"body"`
	Announce  string    `json:"announce"`
	TagID     *int64    `json:"tagId"`
	IsPublic  bool      `json:"isPublic"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TagView struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DiffDetail is one diff with the text it produces and links to the
// surrounding versions of the same field.
type DiffDetail struct {
	Diff  DiffView     `json:"diff"`
	Text  string       `json:"text"`
	Lines []patch.Line `json:"lines"`
	First *DiffView    `json:"first"`
	Prev  *DiffView    `json:"prev"`
	Next  *DiffView    `json:"next"`
	Last  *DiffView    `json:"last"`
}

func toActionView(a store.Action) ActionView {
	return ActionView{
		ID:             a.ID,
		Consumer:       a.Consumer,
		Kind:           a.Kind.String(),
		ActorID:        a.ActorID,
		ActorName:      a.ActorName,
		Origin:         a.Origin,
		RollbackTo:     a.RollbackTo,
		ShowInTimeline: a.ShowInTimeline,
		CreatedAt:      a.CreatedAt,
	}
}

func toActionViews(actions []store.Action) []ActionView {
	out := make([]ActionView, 0, len(actions))
	for _, a := range actions {
		out = append(out, toActionView(a))
	}
	return out
}

// optionalAction renders nil when a mutation recorded nothing.
func optionalAction(a *store.Action) *ActionView {
	if a == nil {
		return nil
	}
	view := toActionView(*a)
	return &view
}

func toDiffView(d store.Diff) DiffView {
	added, removed := patch.Stats(d.Change)
	return DiffView{
		ID:        d.ID,
		ActionID:  d.ActionID,
		Consumer:  d.Consumer,
		Field:     d.Field,
		Version:   d.Version,
		Change:    d.Change,
		Added:     added,
		Removed:   removed,
		CreatedAt: d.CreatedAt,
	}
}

func toDiffViews(diffs []store.Diff) []DiffView {
	out := make([]DiffView, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, toDiffView(d))
	}
	return out
}

func optionalDiff(d *store.Diff) *DiffView {
	if d == nil {
		return nil
	}
	view := toDiffView(*d)
	return &view
}

func newDiffDetail(d store.Diff, n history.Neighbors, text string) DiffDetail {
	return DiffDetail{
		Diff:  toDiffView(d),
		Text:  text,
		Lines: patch.Classify(d.Change),
		First: optionalDiff(n.First),
		Prev:  optionalDiff(n.Prev),
		Next:  optionalDiff(n.Next),
		Last:  optionalDiff(n.Last),
	}
}

func toDocumentView(d store.Document) DocumentView {
	return DocumentView{
		ID:        d.ID,
		Title:     d.Title,
		Slug:      d.Slug,
		Body:      d.Body,
		Announce:  d.Announce,
		TagID:     d.TagID,
		IsPublic:  d.IsPublic,
		UpdatedAt: d.UpdatedAt,
	}
}

func toTagView(t store.Tag) TagView {
	return TagView{ID: t.ID, Title: t.Title, UpdatedAt: t.UpdatedAt}
}

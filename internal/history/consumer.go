package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"contenthistory/internal/store"
)

// Consumer is a tracked content object. Field returns the current value of
// an observed field; SetField assigns a native value produced by a Coercer.
type Consumer interface {
	Ref() store.ConsumerRef
	DisplayText() string
	Field(name string) (any, error)
	SetField(name string, value any) error
}

// ConsumerType describes one content type to the rollback engine.
// FieldKind returns the coercion tag for a field ("text" when unset).
type ConsumerType interface {
	Name() string
	FieldKind(field string) (string, bool)
	Load(ctx context.Context, db store.DBTX, id int64) (Consumer, error)
	Save(ctx context.Context, db store.DBTX, c Consumer) error
}

type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]ConsumerType
}

func NewTypeRegistry(types ...ConsumerType) *TypeRegistry {
	r := &TypeRegistry{types: map[string]ConsumerType{}}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

func (r *TypeRegistry) Register(t ConsumerType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name()] = t
}

func (r *TypeRegistry) Lookup(name string) (ConsumerType, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Actor is the principal behind a mutation.
type Actor struct {
	ID        string
	Name      string
	Anonymous bool
}

// Meta carries the request context for a mutation: who and from where.
type Meta struct {
	Actor  *Actor
	Origin string
}

const maxOriginLen = 45

func (m Meta) newAction(ref store.ConsumerRef, kind store.ActionKind, at time.Time) store.Action {
	action := store.Action{
		Consumer:       ref,
		Kind:           kind,
		ShowInTimeline: true,
		CreatedAt:      at,
	}
	if a := m.Actor; a != nil && !a.Anonymous && strings.TrimSpace(a.ID) != "" {
		id := strings.TrimSpace(a.ID)
		action.ActorID = &id
		if name := strings.TrimSpace(a.Name); name != "" {
			action.ActorName = &name
		}
	}
	if origin := strings.TrimSpace(m.Origin); origin != "" {
		origin = truncateUTF8(origin, maxOriginLen)
		action.Origin = &origin
	}
	return action
}

// SaveEvent is delivered by the data layer after a consumer is written.
// Kind overrides the created/edited distinction when set.
type SaveEvent struct {
	Consumer Consumer
	Created  bool
	Kind     *store.ActionKind
}

func (ev SaveEvent) kind() store.ActionKind {
	switch {
	case ev.Kind != nil:
		return *ev.Kind
	case ev.Created:
		return store.ActionCreate
	default:
		return store.ActionEdit
	}
}

func displayText(c Consumer) string {
	if text := strings.TrimSpace(c.DisplayText()); text != "" {
		return text
	}
	return c.Ref().String()
}

func fieldErr(ref store.ConsumerRef, field string, err error) error {
	return fmt.Errorf("%w: %s.%s: %w", ErrUnknownField, ref.Type, field, err)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

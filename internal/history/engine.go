// Package history records field-level text history for content objects,
// replays it to any version and rolls fields back.
package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"contenthistory/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Queries is the set of store primitives the engine needs. *store.Queries
// implements it.
type Queries interface {
	DBTX() store.DBTX
	LockConsumer(ctx context.Context, ref store.ConsumerRef) error
	InsertAction(ctx context.Context, action *store.Action) error
	DeleteAction(ctx context.Context, id int64) error
	GetAction(ctx context.Context, id int64) (store.Action, error)
	HasActionSince(ctx context.Context, ref store.ConsumerRef, kinds []store.ActionKind, since time.Time) (bool, error)
	InsertDiff(ctx context.Context, diff *store.Diff) error
	DeleteDiff(ctx context.Context, id int64) error
	GetDiff(ctx context.Context, id int64) (store.Diff, error)
	LastVersion(ctx context.Context, ref store.ConsumerRef, field string) (int, error)
	FirstVersion(ctx context.Context, ref store.ConsumerRef, field string) (int, error)
	DiffsAtVersion(ctx context.Context, ref store.ConsumerRef, field string, version int) ([]store.Diff, error)
	ListDiffs(ctx context.Context, ref store.ConsumerRef, field string, upTo int) ([]store.Diff, error)
	ListConsumerDiffs(ctx context.Context, ref store.ConsumerRef) ([]store.Diff, error)
	ListActions(ctx context.Context, filter store.ActionFilter) ([]store.Action, error)
	ListConsumers(ctx context.Context) ([]store.ConsumerRef, error)
}

// Store is Queries plus transactions.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

type sqlStore struct {
	*store.SQLStore
}

// NewSQLStore adapts the relational store to Store.
func NewSQLStore(s *store.SQLStore) Store {
	return sqlStore{SQLStore: s}
}

func (s sqlStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return s.WithTx(ctx, func(q *store.Queries) error {
		return fn(q)
	})
}

// Policy decides which mutations are recorded. *policy.Registry implements it.
type Policy interface {
	IsObserved(typeName string, kind store.ActionKind) bool
	ObservedFields(typeName string, kind store.ActionKind) []string
}

// VersionCache stores reconstructed text by version key. Versions never
// change once written, so entries never need invalidation.
type VersionCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, text string) error
}

type Options struct {
	Types    *TypeRegistry
	Coercers *CoercionRegistry
	Cache    VersionCache
	// Location decides what "the same calendar day" means. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

type Engine struct {
	store    Store
	policy   Policy
	types    *TypeRegistry
	coercers *CoercionRegistry
	cache    VersionCache
	loc      *time.Location
	clock    func() time.Time
	log      zerolog.Logger

	group  singleflight.Group
	lockMu sync.Mutex
	locks  map[store.ConsumerRef]*consumerLock
}

type consumerLock struct {
	mu   sync.Mutex
	refs int
}

func New(s Store, p Policy, opts Options) *Engine {
	e := &Engine{
		store:    s,
		policy:   p,
		types:    opts.Types,
		coercers: opts.Coercers,
		cache:    opts.Cache,
		loc:      opts.Location,
		clock:    opts.Clock,
		log:      zerolog.Nop(),
		locks:    map[store.ConsumerRef]*consumerLock{},
	}
	if e.types == nil {
		e.types = NewTypeRegistry()
	}
	if e.coercers == nil {
		e.coercers = NewCoercionRegistry()
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if opts.Logger != nil {
		e.log = *opts.Logger
	}
	return e
}

func (e *Engine) Types() *TypeRegistry {
	return e.types
}

func (e *Engine) Coercers() *CoercionRegistry {
	return e.coercers
}

func (e *Engine) Store() Store {
	return e.store
}

// now is truncated to microseconds so timestamps survive postgres.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *Engine) startOfDay(t time.Time) time.Time {
	local := t.In(e.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
}

// WithConsumerTx runs fn in one transaction while holding the writer lock
// for ref, in process and in the store. A zero ref id (a row not inserted
// yet) takes no lock.
func (e *Engine) WithConsumerTx(ctx context.Context, ref store.ConsumerRef, fn func(q Queries) error) error {
	if ref.ID != 0 {
		unlock := e.lockConsumer(ref)
		defer unlock()
	}
	err := e.store.InTx(ctx, func(q Queries) error {
		if ref.ID != 0 {
			if err := q.LockConsumer(ctx, ref); err != nil {
				return storeErr("lock consumer", err)
			}
		}
		return fn(q)
	})
	return storeErr("transaction", err)
}

func (e *Engine) lockConsumer(ref store.ConsumerRef) func() {
	e.lockMu.Lock()
	lock, ok := e.locks[ref]
	if !ok {
		lock = &consumerLock{}
		e.locks[ref] = lock
	}
	lock.refs++
	e.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, ref)
		}
		e.lockMu.Unlock()
	}
}

// GetLastVersion returns the newest version number of a field, 0 when the
// field has no history.
func (e *Engine) GetLastVersion(ctx context.Context, consumerType string, consumerID int64, field string) (int, error) {
	last, err := e.store.LastVersion(ctx, store.ConsumerRef{Type: consumerType, ID: consumerID}, field)
	if err != nil {
		return 0, storeErr("last version", err)
	}
	return last, nil
}

func (e *Engine) fieldKind(typeName, field string) string {
	if t, ok := e.types.Lookup(typeName); ok {
		if kind, ok := t.FieldKind(field); ok && kind != "" {
			return kind
		}
	}
	return KindText
}

func (e *Engine) toText(typeName, field string, value any) (string, error) {
	kind := e.fieldKind(typeName, field)
	c, ok := e.coercers.Lookup(kind)
	if !ok {
		return "", fmt.Errorf("%w: no coercer for field kind %q", ErrCoercion, kind)
	}
	text, err := c.ToText(value)
	if err != nil {
		return "", fmt.Errorf("%s.%s to text: %w", typeName, field, coercionErr(err))
	}
	return text, nil
}

func (e *Engine) fromText(ctx context.Context, q Queries, typeName, field, text string) (any, error) {
	kind := e.fieldKind(typeName, field)
	c, ok := e.coercers.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: no coercer for field kind %q", ErrCoercion, kind)
	}
	value, err := c.FromText(ctx, q.DBTX(), text)
	if err != nil {
		return nil, fmt.Errorf("%s.%s from text: %w", typeName, field, coercionErr(err))
	}
	return value, nil
}

func coercionErr(err error) error {
	if isClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCoercion, err)
}

func cacheKey(ref store.ConsumerRef, field string, version int) string {
	return ref.Type + ":" + strconv.FormatInt(ref.ID, 10) + ":" + field + ":" + strconv.Itoa(version)
}

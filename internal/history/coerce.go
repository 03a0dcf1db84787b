package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"contenthistory/internal/store"
)

// Field kind tags understood by the default coercion registry.
const (
	KindText = "text"
	KindBool = "bool"
	KindInt  = "int"
	KindTime = "time"
)

// Coercer converts a field between its native value and the text that is
// diffed and stored.
type Coercer interface {
	ToText(value any) (string, error)
	FromText(ctx context.Context, db store.DBTX, text string) (any, error)
}

// CoercionRegistry maps field kind tags to coercers.
type CoercionRegistry struct {
	mu       sync.RWMutex
	coercers map[string]Coercer
}

// NewCoercionRegistry returns a registry with the text, bool, int and time
// coercers installed.
func NewCoercionRegistry() *CoercionRegistry {
	r := &CoercionRegistry{coercers: map[string]Coercer{}}
	r.Register(KindText, TextCoercer{})
	r.Register(KindBool, BoolCoercer{})
	r.Register(KindInt, IntCoercer{})
	r.Register(KindTime, TimeCoercer{})
	return r
}

func (r *CoercionRegistry) Register(tag string, c Coercer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coercers[tag] = c
}

func (r *CoercionRegistry) Lookup(tag string) (Coercer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coercers[tag]
	return c, ok
}

// ReferenceKind is the tag for a field that references a row of typeName.
func ReferenceKind(typeName string) string {
	return "ref:" + typeName
}

type TextCoercer struct{}

func (TextCoercer) ToText(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case *string:
		if v == nil {
			return "", nil
		}
		return *v, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return fmt.Sprint(value), nil
}

func (TextCoercer) FromText(_ context.Context, _ store.DBTX, text string) (any, error) {
	return text, nil
}

type BoolCoercer struct{}

func (BoolCoercer) ToText(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case *bool:
		if v == nil {
			return "", nil
		}
		return strconv.FormatBool(*v), nil
	}
	return "", fmt.Errorf("%w: %T is not a bool", ErrCoercion, value)
}

func (BoolCoercer) FromText(_ context.Context, _ store.DBTX, text string) (any, error) {
	v, err := strconv.ParseBool(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a bool", ErrCoercion, text)
	}
	return v, nil
}

type IntCoercer struct{}

func (IntCoercer) ToText(value any) (string, error) {
	switch v := value.(type) {
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case *int64:
		if v == nil {
			return "", nil
		}
		return strconv.FormatInt(*v, 10), nil
	}
	return "", fmt.Errorf("%w: %T is not an integer", ErrCoercion, value)
}

func (IntCoercer) FromText(_ context.Context, _ store.DBTX, text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return (*int64)(nil), nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrCoercion, text)
	}
	return v, nil
}

type TimeCoercer struct{}

func (TimeCoercer) ToText(value any) (string, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if v == nil {
			return "", nil
		}
		return v.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("%w: %T is not a time", ErrCoercion, value)
}

func (TimeCoercer) FromText(_ context.Context, _ store.DBTX, text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return (*time.Time)(nil), nil
	}
	v, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a time", ErrCoercion, text)
	}
	return v, nil
}

// ReferenceCoercer stores a reference as the referenced id. FromText checks
// that the target still exists and returns a *int64 (nil for "").
type ReferenceCoercer struct {
	Exists func(ctx context.Context, db store.DBTX, id int64) (bool, error)
}

func (ReferenceCoercer) ToText(value any) (string, error) {
	return IntCoercer{}.ToText(value)
}

func (c ReferenceCoercer) FromText(ctx context.Context, db store.DBTX, text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return (*int64)(nil), nil
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a reference id", ErrCoercion, text)
	}
	ok, err := c.Exists(ctx, db, id)
	if err != nil {
		return nil, storeErr("resolve reference", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: referenced row %d no longer exists", ErrCoercion, id)
	}
	return &id, nil
}

package history

import (
	"context"
	"errors"

	"contenthistory/internal/store"
)

// Publisher is implemented by consumers that can be hidden from public
// feeds. Consumers without it are always public.
type Publisher interface {
	Public() bool
}

// PublicActions keeps the actions whose consumer still exists and is
// public. Consumers of unregistered types are dropped.
func (e *Engine) PublicActions(ctx context.Context, actions []store.Action) ([]store.Action, error) {
	visible := map[store.ConsumerRef]bool{}
	out := make([]store.Action, 0, len(actions))
	for _, action := range actions {
		ok, seen := visible[action.Consumer]
		if !seen {
			var err error
			if ok, err = e.isPublic(ctx, action.Consumer); err != nil {
				return nil, err
			}
			visible[action.Consumer] = ok
		}
		if ok {
			out = append(out, action)
		}
	}
	return out, nil
}

func (e *Engine) isPublic(ctx context.Context, ref store.ConsumerRef) (bool, error) {
	ct, ok := e.types.Lookup(ref.Type)
	if !ok {
		return false, nil
	}
	obj, err := ct.Load(ctx, e.store.DBTX(), ref.ID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, storeErr("load consumer", err)
	}
	if p, ok := obj.(Publisher); ok {
		return p.Public(), nil
	}
	return true, nil
}

package history

import (
	"context"
	"errors"
	"fmt"

	"contenthistory/internal/store"
)

// Rollback returns the field of diffID to the text it had at that version.
// It appends a new version (current -> target) under a rollback action and
// writes the value back onto the live consumer, all in one transaction.
func (e *Engine) Rollback(ctx context.Context, diffID int64, meta Meta) (*store.Action, error) {
	target, err := e.store.GetDiff(ctx, diffID)
	if err != nil {
		err = storeErr("get rollback target", err)
		rollbackTotal.WithLabelValues(rollbackResult(err)).Inc()
		return nil, err
	}
	ref := target.Consumer

	var action *store.Action
	err = e.WithConsumerTx(ctx, ref, func(q Queries) error {
		act, err := e.rollbackTx(ctx, q, target, meta)
		if err != nil {
			return err
		}
		action = act
		return nil
	})
	if err != nil {
		rollbackTotal.WithLabelValues(rollbackResult(err)).Inc()
		return nil, err
	}
	rollbackTotal.WithLabelValues("ok").Inc()
	actionsRecorded.WithLabelValues(store.ActionRollback.String()).Inc()
	return action, nil
}

func (e *Engine) rollbackTx(ctx context.Context, q Queries, target store.Diff, meta Meta) (*store.Action, error) {
	ref, field := target.Consumer, target.Field

	action := meta.newAction(ref, store.ActionRollback, e.now())
	action.RollbackTo = &target.ID
	if err := q.InsertAction(ctx, &action); err != nil {
		return nil, storeErr("insert rollback action", err)
	}

	last, err := q.LastVersion(ctx, ref, field)
	if err != nil {
		return nil, storeErr("last version", err)
	}
	current, err := e.replay(ctx, q, ref, field, last)
	if err != nil {
		return nil, err
	}
	wanted, err := e.replay(ctx, q, ref, field, target.Version)
	if err != nil {
		return nil, err
	}
	if wanted == current {
		return nil, fmt.Errorf("%w: %s.%s at version %d", ErrNoOpRollback, ref, field, target.Version)
	}

	ct, ok := e.types.Lookup(ref.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no consumer type registered for %q", ErrCoercion, ref.Type)
	}
	obj, err := ct.Load(ctx, q.DBTX(), ref.ID)
	if err != nil {
		return nil, storeErr("load consumer", err)
	}

	if _, err := e.appendVersion(ctx, q, &action, field, wanted, displayText(obj)); err != nil {
		return nil, err
	}

	value, err := e.fromText(ctx, q, ref.Type, field, wanted)
	if err != nil {
		return nil, err
	}
	if err := obj.SetField(field, value); err != nil {
		if errors.Is(err, ErrUnknownField) {
			return nil, err
		}
		return nil, fmt.Errorf("set %s.%s: %w", ref.Type, field, coercionErr(err))
	}
	// The raw type save bypasses HandleSave, so the recorder never sees
	// this write as a new edit.
	if err := ct.Save(ctx, q.DBTX(), obj); err != nil {
		return nil, storeErr("save consumer", err)
	}
	return &action, nil
}

func rollbackResult(err error) string {
	switch {
	case errors.Is(err, ErrNoOpRollback):
		return "noop"
	case errors.Is(err, ErrCoercion):
		return "coercion"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConsistency):
		return "inconsistent"
	default:
		return "error"
	}
}

package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contenthistory/internal/patch"
	"contenthistory/internal/store"
)

// Only these kinds count when deciding whether an edit is the first of
// the day. Deletes and rollbacks are ignored.
var sameDayKinds = []store.ActionKind{store.ActionCreate, store.ActionEdit}

// RecordMutation records one mutation of c in its own transaction. It
// returns nil when nothing was recorded: untracked types, rollback
// re-entry, or an event that changed no observed field.
func (e *Engine) RecordMutation(ctx context.Context, c Consumer, kind store.ActionKind, meta Meta) (*store.Action, error) {
	var action *store.Action
	err := e.WithConsumerTx(ctx, c.Ref(), func(q Queries) error {
		var err error
		action, err = e.RecordMutationTx(ctx, q, c, kind, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// HandleSave is the save reaction of the data layer. It runs inside the
// caller's transaction so the consumer row and its history commit together.
func (e *Engine) HandleSave(ctx context.Context, q Queries, ev SaveEvent, meta Meta) (*store.Action, error) {
	return e.RecordMutationTx(ctx, q, ev.Consumer, ev.kind(), meta)
}

// RecordDeletion is the pre-delete reaction: a tracked consumer gets a
// final delete action with no diffs.
func (e *Engine) RecordDeletion(ctx context.Context, q Queries, ref store.ConsumerRef, meta Meta) (*store.Action, error) {
	if !e.policy.IsObserved(ref.Type, store.ActionDelete) {
		return nil, nil
	}
	action := meta.newAction(ref, store.ActionDelete, e.now())
	if err := q.InsertAction(ctx, &action); err != nil {
		return nil, storeErr("insert action", err)
	}
	actionsRecorded.WithLabelValues(action.Kind.String()).Inc()
	return &action, nil
}

// RecordMutationTx records one mutation of c using q, which must belong to
// a transaction holding the consumer's writer lock (see WithConsumerTx).
func (e *Engine) RecordMutationTx(ctx context.Context, q Queries, c Consumer, kind store.ActionKind, meta Meta) (*store.Action, error) {
	if kind == store.ActionRollback {
		return nil, nil
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("record mutation: invalid action kind %d", int(kind))
	}
	ref := c.Ref()
	if !e.policy.IsObserved(ref.Type, kind) {
		return nil, nil
	}

	now := e.now()
	action := meta.newAction(ref, kind, now)
	if kind == store.ActionEdit {
		seen, err := q.HasActionSince(ctx, ref, sameDayKinds, e.startOfDay(now))
		if err != nil {
			return nil, storeErr("check same-day actions", err)
		}
		action.ShowInTimeline = !seen
	}
	if err := q.InsertAction(ctx, &action); err != nil {
		return nil, storeErr("insert action", err)
	}

	if kind == store.ActionCreate {
		actionsRecorded.WithLabelValues(kind.String()).Inc()
		return &action, nil
	}

	label := displayText(c)
	written := 0
	for _, field := range e.policy.ObservedFields(ref.Type, kind) {
		raw, err := c.Field(field)
		if err != nil {
			return nil, fieldErr(ref, field, err)
		}
		value, err := e.toText(ref.Type, field, raw)
		if err != nil {
			return nil, err
		}
		changed, err := e.appendVersion(ctx, q, &action, field, value, label)
		if err != nil {
			return nil, err
		}
		if changed != nil {
			written++
		}
	}

	if written == 0 {
		if err := q.DeleteAction(ctx, action.ID); err != nil {
			return nil, storeErr("delete empty action", err)
		}
		noopMutations.WithLabelValues(ref.Type).Inc()
		e.log.Debug().Str("consumer", ref.String()).Str("kind", kind.String()).Msg("mutation changed no observed field")
		return nil, nil
	}
	actionsRecorded.WithLabelValues(kind.String()).Inc()
	return &action, nil
}

// appendVersion writes the next version of field when value differs from
// the last stored text, then replays it to confirm the write. It returns
// nil when value is unchanged.
func (e *Engine) appendVersion(ctx context.Context, q Queries, action *store.Action, field, value, label string) (*store.Diff, error) {
	ref := action.Consumer
	value = patch.Normalize(value)

	last, err := q.LastVersion(ctx, ref, field)
	if err != nil {
		return nil, storeErr("last version", err)
	}

	previous := ""
	var previousAt time.Time
	if last > 0 {
		rows, err := q.DiffsAtVersion(ctx, ref, field, last)
		if err != nil {
			return nil, storeErr("diffs at version", err)
		}
		if err := e.healDuplicates(ctx, q, rows); err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			prev, err := q.GetAction(ctx, rows[0].ActionID)
			switch {
			case err == nil:
				previousAt = prev.CreatedAt
			case !errors.Is(err, store.ErrNotFound):
				return nil, storeErr("previous action", err)
			}
		}
		previous, err = e.replay(ctx, q, ref, field, last)
		if err != nil {
			return nil, err
		}
	}

	if value == previous {
		return nil, nil
	}

	change, err := patch.Make(previous, value, patch.Header{
		OldLabel: label,
		NewLabel: label,
		OldTime:  patch.FormatTime(inZone(previousAt, e.loc)),
		NewTime:  patch.FormatTime(inZone(action.CreatedAt, e.loc)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsistency, err)
	}

	diff := store.Diff{
		ActionID:  action.ID,
		Consumer:  ref,
		Field:     field,
		Version:   last + 1,
		Change:    change,
		Checksum:  patch.Checksum(change),
		CreatedAt: action.CreatedAt,
	}
	if err := q.InsertDiff(ctx, &diff); err != nil {
		return nil, storeErr("insert diff", err)
	}
	if err := e.verifyWrite(ctx, q, diff, value); err != nil {
		return nil, err
	}
	diffsWritten.WithLabelValues(ref.Type).Inc()
	return &diff, nil
}

// healDuplicates deletes every row but the first (lowest id) when a race
// left more than one diff at the same version.
func (e *Engine) healDuplicates(ctx context.Context, q Queries, rows []store.Diff) error {
	if len(rows) < 2 {
		return nil
	}
	for _, extra := range rows[1:] {
		if err := q.DeleteDiff(ctx, extra.ID); err != nil {
			return storeErr("delete duplicate diff", err)
		}
		duplicatesHealed.Inc()
	}
	e.log.Warn().
		Str("consumer", rows[0].Consumer.String()).
		Str("field", rows[0].Field).
		Int("version", rows[0].Version).
		Int("removed", len(rows)-1).
		Msg("removed duplicate history versions")
	return nil
}

// verifyWrite re-reads a freshly inserted diff and replays the field up to
// it. Any mismatch is a consistency failure.
func (e *Engine) verifyWrite(ctx context.Context, q Queries, diff store.Diff, want string) error {
	stored, err := q.GetDiff(ctx, diff.ID)
	if err != nil {
		return storeErr("re-read diff", err)
	}
	if stored.Version != diff.Version || stored.Change != diff.Change {
		return e.inconsistent(diff.Consumer, diff.Field, fmt.Errorf("diff %d reads back differently", diff.ID))
	}
	got, err := e.replay(ctx, q, diff.Consumer, diff.Field, diff.Version)
	if err != nil {
		if errors.Is(err, ErrStorage) || errors.Is(err, ErrConsistency) {
			return err
		}
		return e.inconsistent(diff.Consumer, diff.Field, err)
	}
	if got != want {
		return e.inconsistent(diff.Consumer, diff.Field, fmt.Errorf("version %d replays to different text", diff.Version))
	}
	return nil
}

func inZone(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(loc)
}

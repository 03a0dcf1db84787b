package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"contenthistory/internal/patch"
	"contenthistory/internal/store"
	"golang.org/x/sync/errgroup"
)

// Reconstruct returns the text of field at version upTo, or at the latest
// version when upTo <= 0 or beyond the last one.
func (e *Engine) Reconstruct(ctx context.Context, ref store.ConsumerRef, field string, upTo int) (string, error) {
	last, err := e.store.LastVersion(ctx, ref, field)
	if err != nil {
		return "", storeErr("last version", err)
	}
	if last == 0 {
		return "", fmt.Errorf("%w: no history for %s.%s", ErrNotFound, ref, field)
	}
	version := last
	if upTo > 0 && upTo < last {
		version = upTo
	}
	return e.versionText(ctx, ref, field, version)
}

// VersionText returns the full text of the field right after diffID.
func (e *Engine) VersionText(ctx context.Context, diffID int64) (string, error) {
	diff, err := e.store.GetDiff(ctx, diffID)
	if err != nil {
		return "", storeErr("get diff", err)
	}
	return e.versionText(ctx, diff.Consumer, diff.Field, diff.Version)
}

func (e *Engine) versionText(ctx context.Context, ref store.ConsumerRef, field string, version int) (string, error) {
	key := cacheKey(ref, field, version)
	if e.cache != nil {
		text, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			cacheLookups.WithLabelValues("error").Inc()
			e.log.Warn().Err(err).Str("key", key).Msg("version cache read failed")
		case ok:
			cacheLookups.WithLabelValues("hit").Inc()
			return text, nil
		default:
			cacheLookups.WithLabelValues("miss").Inc()
		}
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		start := time.Now()
		text, err := e.replay(ctx, e.store, ref, field, version)
		reconstructDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())
		if err != nil {
			return "", err
		}
		if e.cache != nil {
			if err := e.cache.Set(ctx, key, text); err != nil {
				e.log.Warn().Err(err).Str("key", key).Msg("version cache write failed")
			}
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// replay folds the stored patches 1..upTo of (ref, field) over the empty
// text. It never touches the cache, so the write path can use it inside a
// transaction.
func (e *Engine) replay(ctx context.Context, q Queries, ref store.ConsumerRef, field string, upTo int) (string, error) {
	diffs, err := q.ListDiffs(ctx, ref, field, upTo)
	if err != nil {
		return "", storeErr("list diffs", err)
	}
	if len(diffs) == 0 {
		return "", fmt.Errorf("%w: no history for %s.%s", ErrNotFound, ref, field)
	}
	diffs = firstPerVersion(diffs)

	patches := make([]string, 0, len(diffs))
	for i, d := range diffs {
		if d.Version != i+1 {
			return "", e.inconsistent(ref, field, fmt.Errorf("version %d found where %d expected", d.Version, i+1))
		}
		if d.Checksum != "" && d.Checksum != patch.Checksum(d.Change) {
			return "", e.inconsistent(ref, field, fmt.Errorf("checksum mismatch on diff %d (version %d)", d.ID, d.Version))
		}
		patches = append(patches, d.Change)
	}
	if upTo > 0 && diffs[len(diffs)-1].Version != upTo {
		return "", e.inconsistent(ref, field, fmt.Errorf("version %d missing", upTo))
	}

	text, err := patch.Merge(patches)
	if err != nil {
		return "", e.inconsistent(ref, field, err)
	}
	return text, nil
}

func (e *Engine) inconsistent(ref store.ConsumerRef, field string, cause error) error {
	consistencyFailures.Inc()
	e.log.Error().Err(cause).Str("consumer", ref.String()).Str("field", field).Msg("history replay failed")
	return fmt.Errorf("%w: %s.%s: %w", ErrConsistency, ref, field, cause)
}

// firstPerVersion keeps the lowest-id row of each version. Input must be
// ordered by version, id.
func firstPerVersion(diffs []store.Diff) []store.Diff {
	out := diffs[:0:0]
	for _, d := range diffs {
		if n := len(out); n > 0 && out[n-1].Version == d.Version {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Neighbors are the derived version lookups around one diff.
type Neighbors struct {
	First *store.Diff
	Prev  *store.Diff
	Next  *store.Diff
	Last  *store.Diff
}

func (e *Engine) Neighbors(ctx context.Context, diffID int64) (store.Diff, Neighbors, error) {
	diff, err := e.store.GetDiff(ctx, diffID)
	if err != nil {
		return store.Diff{}, Neighbors{}, storeErr("get diff", err)
	}
	ref, field := diff.Consumer, diff.Field

	first, err := e.store.FirstVersion(ctx, ref, field)
	if err != nil {
		return store.Diff{}, Neighbors{}, storeErr("first version", err)
	}
	last, err := e.store.LastVersion(ctx, ref, field)
	if err != nil {
		return store.Diff{}, Neighbors{}, storeErr("last version", err)
	}

	at := func(version int) (*store.Diff, error) {
		if version < 1 || version < first || version > last {
			return nil, nil
		}
		rows, err := e.store.DiffsAtVersion(ctx, ref, field, version)
		if err != nil {
			return nil, storeErr("diff at version", err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return &rows[0], nil
	}

	var n Neighbors
	for _, lookup := range []struct {
		dst     **store.Diff
		version int
	}{
		{&n.First, first},
		{&n.Prev, diff.Version - 1},
		{&n.Next, diff.Version + 1},
		{&n.Last, last},
	} {
		found, err := at(lookup.version)
		if err != nil {
			return store.Diff{}, Neighbors{}, err
		}
		*lookup.dst = found
	}
	return diff, n, nil
}

// Snapshot is the state of every tracked field of a consumer right after
// one action.
type Snapshot struct {
	Action  store.Action
	Fields  map[string]string
	Changed []string
}

const snapshotPage = 500

// Snapshots replays the whole history of ref, one snapshot per action,
// oldest first.
func (e *Engine) Snapshots(ctx context.Context, ref store.ConsumerRef) ([]Snapshot, error) {
	var actions []store.Action
	for offset := 0; ; offset += snapshotPage {
		page, err := e.store.ListActions(ctx, store.ActionFilter{
			ConsumerType: ref.Type,
			ConsumerID:   ref.ID,
			Limit:        snapshotPage,
			Offset:       offset,
		})
		if err != nil {
			return nil, storeErr("list actions", err)
		}
		actions = append(actions, page...)
		if len(page) < snapshotPage {
			break
		}
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: no history for %s", ErrNotFound, ref)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})

	diffs, err := e.store.ListConsumerDiffs(ctx, ref)
	if err != nil {
		return nil, storeErr("list diffs", err)
	}
	byAction := map[int64][]store.Diff{}
	seen := map[string]map[int]bool{}
	for _, d := range diffs {
		if seen[d.Field] == nil {
			seen[d.Field] = map[int]bool{}
		}
		if seen[d.Field][d.Version] {
			continue
		}
		seen[d.Field][d.Version] = true
		byAction[d.ActionID] = append(byAction[d.ActionID], d)
	}

	texts := map[string]string{}
	versions := map[string]int{}
	out := make([]Snapshot, 0, len(actions))
	for _, action := range actions {
		snap := Snapshot{Action: action}
		for _, d := range byAction[action.ID] {
			if d.Version != versions[d.Field]+1 {
				return nil, e.inconsistent(ref, d.Field, fmt.Errorf("action %d writes version %d after %d", action.ID, d.Version, versions[d.Field]))
			}
			next, err := patch.Apply(texts[d.Field], d.Change)
			if err != nil {
				return nil, e.inconsistent(ref, d.Field, err)
			}
			texts[d.Field] = next
			versions[d.Field] = d.Version
			snap.Changed = append(snap.Changed, d.Field)
		}
		snap.Fields = make(map[string]string, len(texts))
		for k, v := range texts {
			snap.Fields[k] = v
		}
		out = append(out, snap)
	}
	return out, nil
}

// Verify replays every field of ref to its last version.
func (e *Engine) Verify(ctx context.Context, ref store.ConsumerRef) error {
	diffs, err := e.store.ListConsumerDiffs(ctx, ref)
	if err != nil {
		return storeErr("list diffs", err)
	}
	fields := map[string]int{}
	for _, d := range diffs {
		if d.Version > fields[d.Field] {
			fields[d.Field] = d.Version
		}
	}
	for field, last := range fields {
		if _, err := e.replay(ctx, e.store, ref, field, last); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAll runs Verify for every consumer with history, at most workers at
// a time. The map holds only failing consumers.
func (e *Engine) VerifyAll(ctx context.Context, workers int) (map[store.ConsumerRef]error, error) {
	refs, err := e.store.ListConsumers(ctx)
	if err != nil {
		return nil, storeErr("list consumers", err)
	}
	if workers <= 0 {
		workers = 4
	}

	var (
		mu       sync.Mutex
		failures = map[store.ConsumerRef]error{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ref := range refs {
		g.Go(func() error {
			if err := e.Verify(gctx, ref); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failures[ref] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

package store

import (
	"context"
	"fmt"
	"strings"
)

const defaultListLimit = 50

// ListActions returns actions matching filter, newest first. Ties on
// created_at are broken by id so pages are stable.
func (q *Queries) ListActions(ctx context.Context, filter ActionFilter) ([]Action, error) {
	where, args := actionWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + actionColumns + ` FROM hs_action a`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY a.created_at DESC, a.id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return collectActions(rows)
}

// CountActions returns the number of actions matching filter, ignoring
// Limit and Offset.
func (q *Queries) CountActions(ctx context.Context, filter ActionFilter) (int, error) {
	where, args := actionWhere(filter)
	query := `SELECT COUNT(*) FROM hs_action a`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	var count int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}

func actionWhere(filter ActionFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ConsumerType != "" {
		where = append(where, "a.consumer_type = "+next(filter.ConsumerType))
	}
	if filter.ConsumerID != 0 {
		where = append(where, "a.consumer_id = "+next(filter.ConsumerID))
	}
	if filter.Field != "" {
		where = append(where, "EXISTS (SELECT 1 FROM hs_diff d WHERE d.action_id = a.id AND d.field = "+next(filter.Field)+")")
	}
	if filter.ActorID != "" {
		where = append(where, "a.actor_id = "+next(filter.ActorID))
	}
	if origin := strings.TrimSpace(filter.Origin); origin != "" {
		if prefix, ok := strings.CutSuffix(origin, "*"); ok {
			where = append(where, "a.ip LIKE "+next(escapeLike(prefix)+"%")+" ESCAPE '\\'")
		} else {
			where = append(where, "a.ip = "+next(origin))
		}
	}
	if filter.From != nil {
		where = append(where, "a.created_at >= "+next(filter.From.UTC()))
	}
	if filter.To != nil {
		where = append(where, "a.created_at < "+next(filter.To.UTC()))
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			marks = append(marks, next(int(kind)))
		}
		where = append(where, "a.action_type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.TimelineOnly {
		where = append(where, "a.show_in_timeline = "+next(true))
	}
	return where, args
}

// Timeline lists create and edit actions flagged for the timeline within
// [From, To), newest first.
func (q *Queries) Timeline(ctx context.Context, tq TimelineQuery) ([]Action, error) {
	if len(tq.Types) == 0 {
		return []Action{}, nil
	}
	from, to := tq.From, tq.To
	filter := ActionFilter{
		Kinds:        []ActionKind{ActionCreate, ActionEdit},
		TimelineOnly: true,
		From:         &from,
		To:           &to,
		Limit:        tq.Limit,
	}
	where, args := actionWhere(filter)
	marks := make([]string, 0, len(tq.Types))
	for _, typeName := range tq.Types {
		args = append(args, typeName)
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}
	where = append(where, "a.consumer_type IN ("+strings.Join(marks, ", ")+")")

	limit := tq.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query := `SELECT ` + actionColumns + ` FROM hs_action a WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY a.created_at DESC, a.id DESC LIMIT $%d`, len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return collectActions(rows)
}

// AuthorsTop ranks non-anonymous actors by number of recorded actions.
func (q *Queries) AuthorsTop(ctx context.Context, limit int) ([]AuthorCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT actor_id, COALESCE(MAX(actor_name), ''), COUNT(*) AS actions
		FROM hs_action
		WHERE actor_id IS NOT NULL
		GROUP BY actor_id
		ORDER BY actions DESC, actor_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("authors top: %w", err)
	}
	defer rows.Close()

	items := make([]AuthorCount, 0)
	for rows.Next() {
		var item AuthorCount
		if err := rows.Scan(&item.ActorID, &item.ActorName, &item.Actions); err != nil {
			return nil, fmt.Errorf("scan author count: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SearchDiffs matches text against stored patches, newest first.
func (q *Queries) SearchDiffs(ctx context.Context, text, consumerType string, limit, offset int) ([]DiffMatch, int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	args := []any{"%" + escapeLike(text) + "%"}
	where := `d.change LIKE $1 ESCAPE '\'`
	if q.dialect == DialectPostgres {
		where = `d.change ILIKE $1 ESCAPE '\'`
	}
	if consumerType != "" {
		args = append(args, consumerType)
		where += fmt.Sprintf(" AND d.consumer_type = $%d", len(args))
	}

	var total int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hs_diff d WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count diff matches: %w", err)
	}

	args = append(args, limit, offset)
	query := `
		SELECT d.id, d.action_id, d.consumer_type, d.consumer_id, d.field, d.version, d.change, d.checksum, d.created_at,
			COALESCE(a.actor_name, '')
		FROM hs_diff d
		JOIN hs_action a ON a.id = d.action_id
		WHERE ` + where + fmt.Sprintf(` ORDER BY d.created_at DESC, d.id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search diffs: %w", err)
	}
	defer rows.Close()

	items := make([]DiffMatch, 0)
	for rows.Next() {
		var m DiffMatch
		err := rows.Scan(
			&m.Diff.ID, &m.Diff.ActionID, &m.Diff.Consumer.Type, &m.Diff.Consumer.ID,
			&m.Diff.Field, &m.Diff.Version, &m.Diff.Change, &m.Diff.Checksum, &m.Diff.CreatedAt,
			&m.ActorName,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan diff match: %w", err)
		}
		m.Diff.CreatedAt = m.Diff.CreatedAt.UTC()
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListDiffMatches pages through every diff by id, oldest first, for
// rebuilding the search index.
func (q *Queries) ListDiffMatches(ctx context.Context, afterID int64, limit int) ([]DiffMatch, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT d.id, d.action_id, d.consumer_type, d.consumer_id, d.field, d.version, d.change, d.checksum, d.created_at,
			COALESCE(a.actor_name, '')
		FROM hs_diff d
		JOIN hs_action a ON a.id = d.action_id
		WHERE d.id > $1
		ORDER BY d.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diff matches: %w", err)
	}
	defer rows.Close()

	items := make([]DiffMatch, 0)
	for rows.Next() {
		var m DiffMatch
		err := rows.Scan(
			&m.Diff.ID, &m.Diff.ActionID, &m.Diff.Consumer.Type, &m.Diff.Consumer.ID,
			&m.Diff.Field, &m.Diff.Version, &m.Diff.Change, &m.Diff.Checksum, &m.Diff.CreatedAt,
			&m.ActorName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan diff match: %w", err)
		}
		m.Diff.CreatedAt = m.Diff.CreatedAt.UTC()
		items = append(items, m)
	}
	return items, rows.Err()
}

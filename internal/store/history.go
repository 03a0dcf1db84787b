package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the history query primitives. It runs against the pool or,
// through SQLStore.WithTx, inside one transaction.
type Queries struct {
	db      DBTX
	dialect Dialect
}

// SQLStore is the relational history store shared by postgres and sqlite.
type SQLStore struct {
	*Queries
	pool *sql.DB
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{Queries: &Queries{db: db, dialect: dialect}, pool: db}
}

func (s *SQLStore) DB() *sql.DB {
	return s.pool
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.PingContext(ctx)
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (s *SQLStore) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{db: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (q *Queries) DBTX() DBTX {
	return q.db
}

func (q *Queries) Dialect() Dialect {
	return q.dialect
}

// LockConsumer serializes history writers for ref until the surrounding
// transaction ends. SQLite already serializes through its single connection.
func (q *Queries) LockConsumer(ctx context.Context, ref ConsumerRef) error {
	if q.dialect != DialectPostgres {
		return nil
	}
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "hs:"+ref.String()); err != nil {
		return fmt.Errorf("lock consumer %s: %w", ref, err)
	}
	return nil
}

const actionColumns = `id, consumer_type, consumer_id, action_type, actor_id, actor_name, ip, rollback_to, show_in_timeline, created_at`

const diffColumns = `id, action_id, consumer_type, consumer_id, field, version, change, checksum, created_at`

func (q *Queries) InsertAction(ctx context.Context, action *Action) error {
	const query = `
		INSERT INTO hs_action (consumer_type, consumer_id, action_type, actor_id, actor_name, ip, rollback_to, show_in_timeline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := q.db.QueryRowContext(ctx, query,
		action.Consumer.Type,
		action.Consumer.ID,
		int(action.Kind),
		nullString(action.ActorID),
		nullString(action.ActorName),
		nullString(action.Origin),
		nullInt64(action.RollbackTo),
		action.ShowInTimeline,
		action.CreatedAt.UTC(),
	).Scan(&action.ID)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (q *Queries) DeleteAction(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM hs_action WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete action %d: %w", id, err)
	}
	return nil
}

func (q *Queries) GetAction(ctx context.Context, id int64) (Action, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM hs_action WHERE id = $1`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Action{}, fmt.Errorf("get action %d: %w", id, err)
	}
	return action, nil
}

// HasActionSince reports whether ref has an action of one of kinds at or
// after since.
func (q *Queries) HasActionSince(ctx context.Context, ref ConsumerRef, kinds []ActionKind, since time.Time) (bool, error) {
	if len(kinds) == 0 {
		return false, nil
	}
	args := []any{ref.Type, ref.ID, since.UTC()}
	query := `SELECT COUNT(*) FROM hs_action WHERE consumer_type = $1 AND consumer_id = $2 AND created_at >= $3 AND action_type IN (` +
		placeholders(len(args)+1, len(kinds)) + `)`
	for _, kind := range kinds {
		args = append(args, int(kind))
	}
	var count int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("check recent actions for %s: %w", ref, err)
	}
	return count > 0, nil
}

func (q *Queries) InsertDiff(ctx context.Context, diff *Diff) error {
	const query = `
		INSERT INTO hs_diff (action_id, consumer_type, consumer_id, field, version, change, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := q.db.QueryRowContext(ctx, query,
		diff.ActionID,
		diff.Consumer.Type,
		diff.Consumer.ID,
		diff.Field,
		diff.Version,
		diff.Change,
		diff.Checksum,
		diff.CreatedAt.UTC(),
	).Scan(&diff.ID)
	if err != nil {
		return fmt.Errorf("insert diff %s/%s@%d: %w", diff.Consumer, diff.Field, diff.Version, err)
	}
	return nil
}

func (q *Queries) DeleteDiff(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM hs_diff WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete diff %d: %w", id, err)
	}
	return nil
}

func (q *Queries) GetDiff(ctx context.Context, id int64) (Diff, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+diffColumns+` FROM hs_diff WHERE id = $1`, id)
	diff, err := scanDiff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Diff{}, fmt.Errorf("diff %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Diff{}, fmt.Errorf("get diff %d: %w", id, err)
	}
	return diff, nil
}

// LastVersion returns the highest stored version for (ref, field), 0 if none.
func (q *Queries) LastVersion(ctx context.Context, ref ConsumerRef, field string) (int, error) {
	var version sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM hs_diff
		WHERE consumer_type = $1 AND consumer_id = $2 AND field = $3
	`, ref.Type, ref.ID, field).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("last version %s/%s: %w", ref, field, err)
	}
	return int(version.Int64), nil
}

// FirstVersion returns the lowest stored version for (ref, field), 0 if none.
func (q *Queries) FirstVersion(ctx context.Context, ref ConsumerRef, field string) (int, error) {
	var version sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT MIN(version) FROM hs_diff
		WHERE consumer_type = $1 AND consumer_id = $2 AND field = $3
	`, ref.Type, ref.ID, field).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("first version %s/%s: %w", ref, field, err)
	}
	return int(version.Int64), nil
}

// DiffsAtVersion returns every row stored for one version, lowest id first.
// More than one row means a writer race slipped past serialization.
func (q *Queries) DiffsAtVersion(ctx context.Context, ref ConsumerRef, field string, version int) ([]Diff, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+diffColumns+` FROM hs_diff
		WHERE consumer_type = $1 AND consumer_id = $2 AND field = $3 AND version = $4
		ORDER BY id ASC
	`, ref.Type, ref.ID, field, version)
	if err != nil {
		return nil, fmt.Errorf("diffs at %s/%s@%d: %w", ref, field, version, err)
	}
	return collectDiffs(rows)
}

// ListDiffs returns diffs for (ref, field) with version <= upTo in replay
// order. upTo <= 0 returns all of them.
func (q *Queries) ListDiffs(ctx context.Context, ref ConsumerRef, field string, upTo int) ([]Diff, error) {
	query := `SELECT ` + diffColumns + ` FROM hs_diff WHERE consumer_type = $1 AND consumer_id = $2 AND field = $3`
	args := []any{ref.Type, ref.ID, field}
	if upTo > 0 {
		query += ` AND version <= $4`
		args = append(args, upTo)
	}
	query += ` ORDER BY version ASC, id ASC`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list diffs %s/%s: %w", ref, field, err)
	}
	return collectDiffs(rows)
}

// ListConsumerDiffs returns every diff of ref ordered by field and version.
func (q *Queries) ListConsumerDiffs(ctx context.Context, ref ConsumerRef) ([]Diff, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+diffColumns+` FROM hs_diff
		WHERE consumer_type = $1 AND consumer_id = $2
		ORDER BY field ASC, version ASC, id ASC
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("list diffs for %s: %w", ref, err)
	}
	return collectDiffs(rows)
}

func (q *Queries) ListDiffsForAction(ctx context.Context, actionID int64) ([]Diff, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+diffColumns+` FROM hs_diff
		WHERE action_id = $1
		ORDER BY field ASC, id ASC
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("list diffs for action %d: %w", actionID, err)
	}
	return collectDiffs(rows)
}

// ListConsumers returns every consumer that has at least one diff.
func (q *Queries) ListConsumers(ctx context.Context) ([]ConsumerRef, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT consumer_type, consumer_id FROM hs_diff
		ORDER BY consumer_type ASC, consumer_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	defer rows.Close()

	var refs []ConsumerRef
	for rows.Next() {
		var ref ConsumerRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan consumer: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (Action, error) {
	var (
		action     Action
		kind       int
		actorID    sql.NullString
		actorName  sql.NullString
		origin     sql.NullString
		rollbackTo sql.NullInt64
	)
	err := row.Scan(
		&action.ID,
		&action.Consumer.Type,
		&action.Consumer.ID,
		&kind,
		&actorID,
		&actorName,
		&origin,
		&rollbackTo,
		&action.ShowInTimeline,
		&action.CreatedAt,
	)
	if err != nil {
		return Action{}, err
	}
	action.Kind = ActionKind(kind)
	action.ActorID = stringPtr(actorID)
	action.ActorName = stringPtr(actorName)
	action.Origin = stringPtr(origin)
	if rollbackTo.Valid {
		v := rollbackTo.Int64
		action.RollbackTo = &v
	}
	action.CreatedAt = action.CreatedAt.UTC()
	return action, nil
}

func scanDiff(row rowScanner) (Diff, error) {
	var diff Diff
	err := row.Scan(
		&diff.ID,
		&diff.ActionID,
		&diff.Consumer.Type,
		&diff.Consumer.ID,
		&diff.Field,
		&diff.Version,
		&diff.Change,
		&diff.Checksum,
		&diff.CreatedAt,
	)
	if err != nil {
		return Diff{}, err
	}
	diff.CreatedAt = diff.CreatedAt.UTC()
	return diff, nil
}

func collectActions(rows *sql.Rows) ([]Action, error) {
	defer rows.Close()
	items := make([]Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		items = append(items, action)
	}
	return items, rows.Err()
}

func collectDiffs(rows *sql.Rows) ([]Diff, error) {
	defer rows.Close()
	items := make([]Diff, 0)
	for rows.Next() {
		diff, err := scanDiff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		items = append(items, diff)
	}
	return items, rows.Err()
}

func placeholders(start, n int) string {
	buf := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, fmt.Sprintf("$%d", start+i)...)
	}
	return string(buf)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Content rows are read and written through a DBTX so the history
// recorder can share the caller's transaction.

func InsertTag(ctx context.Context, db DBTX, tag *Tag) error {
	tag.UpdatedAt = time.Now().UTC()
	err := db.QueryRowContext(ctx, `
		INSERT INTO content_tag (title, updated_at) VALUES ($1, $2) RETURNING id
	`, tag.Title, tag.UpdatedAt).Scan(&tag.ID)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func UpdateTag(ctx context.Context, db DBTX, tag *Tag) error {
	tag.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `UPDATE content_tag SET title = $1, updated_at = $2 WHERE id = $3`, tag.Title, tag.UpdatedAt, tag.ID)
	if err != nil {
		return fmt.Errorf("update tag %d: %w", tag.ID, err)
	}
	return requireRow(res, "tag", tag.ID)
}

func GetTag(ctx context.Context, db DBTX, id int64) (Tag, error) {
	var tag Tag
	err := db.QueryRowContext(ctx, `SELECT id, title, updated_at FROM content_tag WHERE id = $1`, id).
		Scan(&tag.ID, &tag.Title, &tag.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Tag{}, fmt.Errorf("get tag %d: %w", id, err)
	}
	return tag, nil
}

func DeleteTag(ctx context.Context, db DBTX, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM content_tag WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tag %d: %w", id, err)
	}
	return requireRow(res, "tag", id)
}

func InsertDocument(ctx context.Context, db DBTX, doc *Document) error {
	doc.UpdatedAt = time.Now().UTC()
	err := db.QueryRowContext(ctx, `
		INSERT INTO content_document (title, slug, body, announce, tag_id, is_public, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, doc.Title, doc.Slug, doc.Body, doc.Announce, nullInt64(doc.TagID), doc.IsPublic, doc.UpdatedAt).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func UpdateDocument(ctx context.Context, db DBTX, doc *Document) error {
	doc.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE content_document
		SET title = $1, slug = $2, body = $3, announce = $4, tag_id = $5, is_public = $6, updated_at = $7
		WHERE id = $8
	`, doc.Title, doc.Slug, doc.Body, doc.Announce, nullInt64(doc.TagID), doc.IsPublic, doc.UpdatedAt, doc.ID)
	if err != nil {
		return fmt.Errorf("update document %d: %w", doc.ID, err)
	}
	return requireRow(res, "document", doc.ID)
}

func GetDocument(ctx context.Context, db DBTX, id int64) (Document, error) {
	var (
		doc   Document
		tagID sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, title, slug, body, announce, tag_id, is_public, updated_at
		FROM content_document WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Title, &doc.Slug, &doc.Body, &doc.Announce, &tagID, &doc.IsPublic, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %d: %w", id, err)
	}
	if tagID.Valid {
		v := tagID.Int64
		doc.TagID = &v
	}
	return doc, nil
}

func ListDocuments(ctx context.Context, db DBTX, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, title, slug, body, announce, tag_id, is_public, updated_at
		FROM content_document
		ORDER BY updated_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var (
			doc   Document
			tagID sql.NullInt64
		)
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Slug, &doc.Body, &doc.Announce, &tagID, &doc.IsPublic, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if tagID.Valid {
			v := tagID.Int64
			doc.TagID = &v
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

func DeleteDocument(ctx context.Context, db DBTX, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM content_document WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	return requireRow(res, "document", id)
}

func requireRow(res sql.Result, entity string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", entity, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

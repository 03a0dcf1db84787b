// Package content holds the stock content types whose fields are tracked
// by the history engine.
package content

import (
	"context"
	"errors"
	"fmt"

	"contenthistory/internal/history"
	"contenthistory/internal/store"
)

const (
	TypeDocument = "document"
	TypeTag      = "tag"
)

// Document is a *store.Document seen as a history consumer.
type Document struct {
	store.Document
}

func (d *Document) Ref() store.ConsumerRef {
	return store.ConsumerRef{Type: TypeDocument, ID: d.ID}
}

func (d *Document) DisplayText() string { return d.Title }

func (d *Document) Public() bool { return d.IsPublic }

func (d *Document) Field(name string) (any, error) {
	switch name {
	case "title":
		return d.Title, nil
	case "slug":
		return d.Slug, nil
	case "body":
		return d.Body, nil
	case "announce":
		return d.Announce, nil
	case "tag":
		return d.TagID, nil
	case "is_public":
		return d.IsPublic, nil
	}
	return nil, fmt.Errorf("document has no field %q", name)
}

func (d *Document) SetField(name string, value any) error {
	switch name {
	case "title", "slug", "body", "announce":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("document.%s: want string, got %T", name, value)
		}
		switch name {
		case "title":
			d.Title = s
		case "slug":
			d.Slug = s
		case "body":
			d.Body = s
		case "announce":
			d.Announce = s
		}
	case "tag":
		id, ok := value.(*int64)
		if !ok {
			return fmt.Errorf("document.tag: want *int64, got %T", value)
		}
		d.TagID = id
	case "is_public":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("document.is_public: want bool, got %T", value)
		}
		d.IsPublic = b
	default:
		return fmt.Errorf("%w: document has no field %q", history.ErrUnknownField, name)
	}
	return nil
}

// Tag is a *store.Tag seen as a history consumer.
type Tag struct {
	store.Tag
}

func (t *Tag) Ref() store.ConsumerRef {
	return store.ConsumerRef{Type: TypeTag, ID: t.ID}
}

func (t *Tag) DisplayText() string { return t.Title }

func (t *Tag) Field(name string) (any, error) {
	if name == "title" {
		return t.Title, nil
	}
	return nil, fmt.Errorf("tag has no field %q", name)
}

func (t *Tag) SetField(name string, value any) error {
	if name != "title" {
		return fmt.Errorf("%w: tag has no field %q", history.ErrUnknownField, name)
	}
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("tag.title: want string, got %T", value)
	}
	t.Title = s
	return nil
}

type documentType struct{}

func (documentType) Name() string { return TypeDocument }

func (documentType) FieldKind(field string) (string, bool) {
	switch field {
	case "title", "slug", "body", "announce":
		return history.KindText, true
	case "tag":
		return history.ReferenceKind(TypeTag), true
	case "is_public":
		return history.KindBool, true
	}
	return "", false
}

func (documentType) Load(ctx context.Context, db store.DBTX, id int64) (history.Consumer, error) {
	doc, err := store.GetDocument(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return &Document{Document: doc}, nil
}

func (documentType) Save(ctx context.Context, db store.DBTX, c history.Consumer) error {
	doc, ok := c.(*Document)
	if !ok {
		return fmt.Errorf("save document: unexpected consumer %T", c)
	}
	return store.UpdateDocument(ctx, db, &doc.Document)
}

type tagType struct{}

func (tagType) Name() string { return TypeTag }

func (tagType) FieldKind(field string) (string, bool) {
	if field == "title" {
		return history.KindText, true
	}
	return "", false
}

func (tagType) Load(ctx context.Context, db store.DBTX, id int64) (history.Consumer, error) {
	tag, err := store.GetTag(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return &Tag{Tag: tag}, nil
}

func (tagType) Save(ctx context.Context, db store.DBTX, c history.Consumer) error {
	tag, ok := c.(*Tag)
	if !ok {
		return fmt.Errorf("save tag: unexpected consumer %T", c)
	}
	return store.UpdateTag(ctx, db, &tag.Tag)
}

// Register installs the content types and the tag reference coercer on
// the engine.
func Register(engine *history.Engine) {
	engine.Types().Register(documentType{})
	engine.Types().Register(tagType{})
	engine.Coercers().Register(history.ReferenceKind(TypeTag), history.ReferenceCoercer{Exists: tagExists})
}

func tagExists(ctx context.Context, db store.DBTX, id int64) (bool, error) {
	_, err := store.GetTag(ctx, db, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", history.ErrNotFound, err)
	}
	return err
}

package content

import (
	"context"

	"contenthistory/internal/history"
	"contenthistory/internal/store"
)

// Service writes content rows and their history in one transaction.
type Service struct {
	engine *history.Engine
}

func NewService(engine *history.Engine) *Service {
	Register(engine)
	return &Service{engine: engine}
}

func (s *Service) db() store.DBTX {
	return s.engine.Store().DBTX()
}

func (s *Service) CreateDocument(ctx context.Context, doc store.Document, meta history.Meta) (store.Document, *store.Action, error) {
	var action *store.Action
	err := s.engine.WithConsumerTx(ctx, store.ConsumerRef{Type: TypeDocument}, func(q history.Queries) error {
		if err := store.InsertDocument(ctx, q.DBTX(), &doc); err != nil {
			return err
		}
		var err error
		action, err = s.engine.HandleSave(ctx, q, history.SaveEvent{Consumer: &Document{Document: doc}, Created: true}, meta)
		return err
	})
	if err != nil {
		return store.Document{}, nil, err
	}
	return doc, action, nil
}

// UpdateDocument replaces every editable column of doc. The returned action
// is nil when no observed field changed.
func (s *Service) UpdateDocument(ctx context.Context, doc store.Document, meta history.Meta) (store.Document, *store.Action, error) {
	var action *store.Action
	c := &Document{Document: doc}
	err := s.engine.WithConsumerTx(ctx, c.Ref(), func(q history.Queries) error {
		if err := store.UpdateDocument(ctx, q.DBTX(), &c.Document); err != nil {
			return err
		}
		var err error
		action, err = s.engine.HandleSave(ctx, q, history.SaveEvent{Consumer: c}, meta)
		return err
	})
	if err != nil {
		return store.Document{}, nil, err
	}
	return c.Document, action, nil
}

func (s *Service) DeleteDocument(ctx context.Context, id int64, meta history.Meta) (*store.Action, error) {
	ref := store.ConsumerRef{Type: TypeDocument, ID: id}
	var action *store.Action
	err := s.engine.WithConsumerTx(ctx, ref, func(q history.Queries) error {
		if _, err := store.GetDocument(ctx, q.DBTX(), id); err != nil {
			return err
		}
		var err error
		if action, err = s.engine.RecordDeletion(ctx, q, ref, meta); err != nil {
			return err
		}
		return store.DeleteDocument(ctx, q.DBTX(), id)
	})
	return action, err
}

func (s *Service) GetDocument(ctx context.Context, id int64) (store.Document, error) {
	doc, err := store.GetDocument(ctx, s.db(), id)
	if err != nil {
		return store.Document{}, notFound(err)
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, limit, offset int) ([]store.Document, error) {
	return store.ListDocuments(ctx, s.db(), limit, offset)
}

func (s *Service) CreateTag(ctx context.Context, tag store.Tag, meta history.Meta) (store.Tag, *store.Action, error) {
	var action *store.Action
	err := s.engine.WithConsumerTx(ctx, store.ConsumerRef{Type: TypeTag}, func(q history.Queries) error {
		if err := store.InsertTag(ctx, q.DBTX(), &tag); err != nil {
			return err
		}
		var err error
		action, err = s.engine.HandleSave(ctx, q, history.SaveEvent{Consumer: &Tag{Tag: tag}, Created: true}, meta)
		return err
	})
	if err != nil {
		return store.Tag{}, nil, err
	}
	return tag, action, nil
}

func (s *Service) UpdateTag(ctx context.Context, tag store.Tag, meta history.Meta) (store.Tag, *store.Action, error) {
	var action *store.Action
	c := &Tag{Tag: tag}
	err := s.engine.WithConsumerTx(ctx, c.Ref(), func(q history.Queries) error {
		if err := store.UpdateTag(ctx, q.DBTX(), &c.Tag); err != nil {
			return err
		}
		var err error
		action, err = s.engine.HandleSave(ctx, q, history.SaveEvent{Consumer: c}, meta)
		return err
	})
	if err != nil {
		return store.Tag{}, nil, err
	}
	return c.Tag, action, nil
}

func (s *Service) GetTag(ctx context.Context, id int64) (store.Tag, error) {
	tag, err := store.GetTag(ctx, s.db(), id)
	if err != nil {
		return store.Tag{}, notFound(err)
	}
	return tag, nil
}

func (s *Service) DeleteTag(ctx context.Context, id int64, meta history.Meta) (*store.Action, error) {
	ref := store.ConsumerRef{Type: TypeTag, ID: id}
	var action *store.Action
	err := s.engine.WithConsumerTx(ctx, ref, func(q history.Queries) error {
		if _, err := store.GetTag(ctx, q.DBTX(), id); err != nil {
			return err
		}
		var err error
		if action, err = s.engine.RecordDeletion(ctx, q, ref, meta); err != nil {
			return err
		}
		return store.DeleteTag(ctx, q.DBTX(), id)
	})
	return action, err
}

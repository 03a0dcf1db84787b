package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"contenthistory/internal/content"
	"contenthistory/internal/export"
	"contenthistory/internal/gitrepo"
	"contenthistory/internal/history"
	"contenthistory/internal/policy"
	"contenthistory/internal/search"
	"contenthistory/internal/store"
	"github.com/rs/zerolog"
)

type Options struct {
	AuthorsTop   int
	TimelineDays int
	Location     *time.Location
	Clock        func() time.Time
}

// Pinger is an optional dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	store   *store.SQLStore
	engine  *history.Engine
	content *content.Service
	policy  *policy.Registry
	search  *search.Service
	exports *export.Service
	git     *gitrepo.Service
	cache   Pinger
	opts    Options
	log     zerolog.Logger
}

type Deps struct {
	Store   *store.SQLStore
	Engine  *history.Engine
	Content *content.Service
	Policy  *policy.Registry
	Search  *search.Service
	Exports *export.Service
	Git     *gitrepo.Service
	// Cache is pinged by /api/ready when set.
	Cache Pinger
}

func NewService(deps Deps, opts Options, log zerolog.Logger) *Service {
	if opts.AuthorsTop <= 0 {
		opts.AuthorsTop = 10
	}
	if opts.TimelineDays <= 0 {
		opts.TimelineDays = 7
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:   deps.Store,
		engine:  deps.Engine,
		content: deps.Content,
		policy:  deps.Policy,
		search:  deps.Search,
		exports: deps.Exports,
		git:     deps.Git,
		cache:   deps.Cache,
		opts:    opts,
		log:     log.With().Str("component", "app").Logger(),
	}
}

// Ready reports the status of every backing service. The database is the
// only hard dependency.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	ok := true
	if err := s.store.Ping(ctx); err != nil {
		ok = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			checks["cache"] = map[string]any{"status": "degraded", "error": err.Error()}
		} else {
			checks["cache"] = map[string]any{"status": "ok"}
		}
	}
	return ok, checks
}

// indexAction pushes the diffs written by action to the search index.
func (s *Service) indexAction(ctx context.Context, action *store.Action) {
	if action == nil || s.search == nil {
		return
	}
	diffs, err := s.store.ListDiffsForAction(ctx, action.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("action_id", action.ID).Msg("load diffs for indexing")
		return
	}
	name := ""
	if action.ActorName != nil {
		name = *action.ActorName
	}
	records := make([]search.ChangeRecord, 0, len(diffs))
	for _, d := range diffs {
		records = append(records, search.RecordFromDiff(d, name))
	}
	s.search.IndexChanges(records)
}

func (s *Service) CreateDocument(ctx context.Context, doc store.Document, meta history.Meta) (store.Document, *store.Action, error) {
	created, action, err := s.content.CreateDocument(ctx, doc, meta)
	if err != nil {
		return store.Document{}, nil, err
	}
	s.indexAction(ctx, action)
	return created, action, nil
}

func (s *Service) UpdateDocument(ctx context.Context, doc store.Document, meta history.Meta) (store.Document, *store.Action, error) {
	updated, action, err := s.content.UpdateDocument(ctx, doc, meta)
	if err != nil {
		return store.Document{}, nil, err
	}
	s.indexAction(ctx, action)
	return updated, action, nil
}

func (s *Service) DeleteDocument(ctx context.Context, id int64, meta history.Meta) (*store.Action, error) {
	return s.content.DeleteDocument(ctx, id, meta)
}

func (s *Service) GetDocument(ctx context.Context, id int64) (store.Document, error) {
	return s.content.GetDocument(ctx, id)
}

func (s *Service) ListDocuments(ctx context.Context, limit, offset int) ([]store.Document, error) {
	return s.content.ListDocuments(ctx, limit, offset)
}

func (s *Service) CreateTag(ctx context.Context, tag store.Tag, meta history.Meta) (store.Tag, *store.Action, error) {
	created, action, err := s.content.CreateTag(ctx, tag, meta)
	if err != nil {
		return store.Tag{}, nil, err
	}
	s.indexAction(ctx, action)
	return created, action, nil
}

func (s *Service) UpdateTag(ctx context.Context, tag store.Tag, meta history.Meta) (store.Tag, *store.Action, error) {
	updated, action, err := s.content.UpdateTag(ctx, tag, meta)
	if err != nil {
		return store.Tag{}, nil, err
	}
	s.indexAction(ctx, action)
	return updated, action, nil
}

func (s *Service) GetTag(ctx context.Context, id int64) (store.Tag, error) {
	return s.content.GetTag(ctx, id)
}

func (s *Service) DeleteTag(ctx context.Context, id int64, meta history.Meta) (*store.Action, error) {
	return s.content.DeleteTag(ctx, id, meta)
}

// ActionPage is one page of the admin action log.
type ActionPage struct {
	Actions []ActionView `json:"actions"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

func (s *Service) ListActions(ctx context.Context, filter store.ActionFilter) (ActionPage, error) {
	actions, err := s.store.ListActions(ctx, filter)
	if err != nil {
		return ActionPage{}, fmt.Errorf("list actions: %w", err)
	}
	total, err := s.store.CountActions(ctx, filter)
	if err != nil {
		return ActionPage{}, fmt.Errorf("count actions: %w", err)
	}
	return ActionPage{Actions: toActionViews(actions), Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *Service) GetAction(ctx context.Context, id int64) (map[string]any, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	diffs, err := s.store.ListDiffsForAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	return map[string]any{"action": toActionView(action), "diffs": toDiffViews(diffs)}, nil
}

func (s *Service) GetDiff(ctx context.Context, id int64) (DiffDetail, error) {
	diff, neighbors, err := s.engine.Neighbors(ctx, id)
	if err != nil {
		return DiffDetail{}, err
	}
	text, err := s.engine.VersionText(ctx, id)
	if err != nil {
		return DiffDetail{}, err
	}
	return newDiffDetail(diff, neighbors, text), nil
}

func (s *Service) Rollback(ctx context.Context, diffID int64, meta history.Meta) (*store.Action, error) {
	action, err := s.engine.Rollback(ctx, diffID, meta)
	if err != nil {
		return nil, err
	}
	s.indexAction(ctx, action)
	return action, nil
}

// ConsumerActions lists the actions of ref, optionally only those that
// touched field.
func (s *Service) ConsumerActions(ctx context.Context, ref store.ConsumerRef, field string, limit, offset int) (ActionPage, error) {
	return s.ListActions(ctx, store.ActionFilter{
		ConsumerType: ref.Type,
		ConsumerID:   ref.ID,
		Field:        field,
		Limit:        limit,
		Offset:       offset,
	})
}

// FieldText reconstructs field at version, or at the last version when
// version is 0.
func (s *Service) FieldText(ctx context.Context, ref store.ConsumerRef, field string, version int) (map[string]any, error) {
	last, err := s.engine.GetLastVersion(ctx, ref.Type, ref.ID, field)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, fmt.Errorf("%w: no history for %s.%s", history.ErrNotFound, ref, field)
	}
	if version <= 0 || version > last {
		version = last
	}
	text, err := s.engine.Reconstruct(ctx, ref, field, version)
	if err != nil {
		return nil, err
	}
	return map[string]any{"consumer": ref, "field": field, "version": version, "lastVersion": last, "text": text}, nil
}

func (s *Service) LastVersion(ctx context.Context, ref store.ConsumerRef, field string) (int, error) {
	return s.engine.GetLastVersion(ctx, ref.Type, ref.ID, field)
}

func (s *Service) GitExport(ctx context.Context, ref store.ConsumerRef) (map[string]any, error) {
	if s.git == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GIT_EXPORT_DISABLED", "Git export is not configured", nil)
	}
	snaps, err := s.engine.Snapshots(ctx, ref)
	if err != nil {
		return nil, err
	}
	result, err := s.git.ExportHistory(ref, snaps)
	if err != nil {
		return nil, fmt.Errorf("git export: %w", err)
	}
	commits, err := s.git.History(ref, 0)
	if err != nil {
		return nil, fmt.Errorf("git history: %w", err)
	}
	return map[string]any{"export": result, "commits": commits}, nil
}

// Timeline returns page (0 = most recent) of the timeline feed. Each page
// covers TimelineDays calendar days in the configured zone.
func (s *Service) Timeline(ctx context.Context, types []string, page int) (map[string]any, error) {
	if len(types) == 0 {
		types = s.policy.TimelineTypes()
	}
	now := s.opts.Clock().In(s.opts.Location)
	tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, s.opts.Location)
	to := tomorrow.AddDate(0, 0, -page*s.opts.TimelineDays)
	from := to.AddDate(0, 0, -s.opts.TimelineDays)

	actions, err := s.store.Timeline(ctx, store.TimelineQuery{Types: types, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	if actions, err = s.engine.PublicActions(ctx, actions); err != nil {
		return nil, fmt.Errorf("timeline visibility: %w", err)
	}
	return map[string]any{
		"actions": toActionViews(actions),
		"page":    page,
		"from":    from,
		"to":      to,
		"types":   types,
	}, nil
}

func (s *Service) AuthorsTop(ctx context.Context) ([]store.AuthorCount, error) {
	items, err := s.store.AuthorsTop(ctx, s.opts.AuthorsTop)
	if err != nil {
		return nil, fmt.Errorf("authors top: %w", err)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) ExportAction(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.exports.Export(ctx, req)
}

func (s *Service) ExportActionLog(ctx context.Context, filter store.ActionFilter) (*export.Result, error) {
	return s.exports.ActionLog(ctx, filter)
}

// ObservedTypes lists the types the policy currently tracks.
func (s *Service) ObservedTypes() []string {
	return s.policy.Types()
}

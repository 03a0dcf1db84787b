package export

import (
	"context"
	"fmt"
	"time"

	"contenthistory/internal/store"
	"github.com/rs/zerolog"
)

// DataStore defines the history reads an export needs. *store.SQLStore
// implements it.
type DataStore interface {
	GetAction(ctx context.Context, id int64) (store.Action, error)
	ListDiffsForAction(ctx context.Context, actionID int64) ([]store.Diff, error)
	ListActions(ctx context.Context, filter store.ActionFilter) ([]store.Action, error)
}

// Service provides history export functionality
type Service struct {
	store   DataStore
	archive *Archive
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates a new export service. archive may be nil.
func NewService(store DataStore, archive *Archive, log zerolog.Logger) *Service {
	return &Service{store: store, archive: archive, log: log, now: time.Now}
}

// Export renders one action and its diffs in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	action, err := s.store.GetAction(ctx, req.ActionID)
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	diffs, err := s.store.ListDiffsForAction(ctx, action.ID)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}

	data := NewTemplateData(action, diffs)
	html, err := RenderActionHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var res *Result
	switch req.Format {
	case FormatHTML, "":
		res = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	case FormatPDF:
		if res, err = renderPDF(ctx, html, data.Title); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	s.archiveResult(ctx, res)
	return res, nil
}

// maxLogRows caps the action log export.
const maxLogRows = 5000

// ActionLog exports the actions matching filter as an XLSX workbook.
func (s *Service) ActionLog(ctx context.Context, filter store.ActionFilter) (*Result, error) {
	if filter.Limit <= 0 || filter.Limit > maxLogRows {
		filter.Limit = maxLogRows
	}
	actions, err := s.store.ListActions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	rows := make([]ActionRow, 0, len(actions))
	for _, a := range actions {
		diffs, err := s.store.ListDiffsForAction(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list diffs for action %d: %w", a.ID, err)
		}
		row := ActionRow{Action: a}
		for _, d := range diffs {
			row.Fields = append(row.Fields, d.Field)
		}
		rows = append(rows, row)
	}
	res, err := renderActionLog(rows)
	if err != nil {
		return nil, err
	}
	s.archiveResult(ctx, res)
	return res, nil
}

// archiveResult copies res to the archive. Archive failures are logged and
// never fail the export.
func (s *Service) archiveResult(ctx context.Context, res *Result) {
	if s.archive == nil {
		return
	}
	key, err := s.archive.Put(ctx, res, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("file", res.Filename).Msg("archive export")
		return
	}
	res.ArchiveKey = key
}

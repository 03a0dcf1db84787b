package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contenthistory/internal/export"
	"contenthistory/internal/history"
	"contenthistory/internal/search"
	"contenthistory/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "history_http_requests_total",
	Help: "HTTP requests by method and status",
}, []string{"method", "status"})

var validate = validator.New()

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "http").Logger(),
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Actor-ID", "X-Actor-Name"},
		ExposedHeaders: []string{"X-Request-ID", "X-Archive-Key", "Content-Disposition"},
	})
	return c.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "observedTypes": s.service.ObservedTypes()})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ok, checks := s.service.Ready(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ok {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ok,
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, parts[2:])
		return
	case "tags":
		s.handleTags(w, r, parts[2:])
		return
	case "history":
		s.handleHistory(w, r, parts[2:])
		return
	case "timeline":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleTimeline(w, r)
			return
		}
	case "authors":
		if len(parts) == 3 && parts[2] == "top" && r.Method == http.MethodGet {
			items, err := s.service.AuthorsTop(r.Context())
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"authors": items})
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type documentRequest struct {
	Title    string `json:"title" validate:"required,max=255"`
	Slug     string `json:"slug" validate:"max=255"`
	Body     string `json:"body"`
	Announce string `json:"announce" validate:"max=1000"`
	TagID    *int64 `json:"tagId" validate:"omitempty,gt=0"`
	IsPublic bool   `json:"isPublic"`
}

func (b documentRequest) document(id int64) store.Document {
	return store.Document{
		ID:       id,
		Title:    b.Title,
		Slug:     b.Slug,
		Body:     b.Body,
		Announce: b.Announce,
		TagID:    b.TagID,
		IsPublic: b.IsPublic,
	}
}

type tagRequest struct {
	Title string `json:"title" validate:"required,max=255"`
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			limit, offset, err := pageParams(r, 50, 500)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			docs, err := s.service.ListDocuments(r.Context(), limit, offset)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			items := make([]DocumentView, 0, len(docs))
			for _, d := range docs {
				items = append(items, toDocumentView(d))
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			var body documentRequest
			if !s.decodeValid(w, r, &body) {
				return
			}
			doc, action, err := s.service.CreateDocument(r.Context(), body.document(0), metaFromRequest(r))
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"document": toDocumentView(doc), "action": optionalAction(action)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	id, err := parseID(parts[0])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.service.GetDocument(r.Context(), id)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": toDocumentView(doc)})
	case http.MethodPut:
		var body documentRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		doc, action, err := s.service.UpdateDocument(r.Context(), body.document(id), metaFromRequest(r))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": toDocumentView(doc), "action": optionalAction(action)})
	case http.MethodDelete:
		action, err := s.service.DeleteDocument(r.Context(), id, metaFromRequest(r))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": optionalAction(action)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleTags(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body tagRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		tag, action, err := s.service.CreateTag(r.Context(), store.Tag{Title: body.Title}, metaFromRequest(r))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"tag": toTagView(tag), "action": optionalAction(action)})
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	id, err := parseID(parts[0])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		tag, err := s.service.GetTag(r.Context(), id)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tag": toTagView(tag)})
	case http.MethodPut:
		var body tagRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		tag, action, err := s.service.UpdateTag(r.Context(), store.Tag{ID: id, Title: body.Title}, metaFromRequest(r))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tag": toTagView(tag), "action": optionalAction(action)})
	case http.MethodDelete:
		action, err := s.service.DeleteTag(r.Context(), id, metaFromRequest(r))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": optionalAction(action)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "actions" && r.Method == http.MethodGet:
		filter, err := s.actionFilter(r)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		page, err := s.service.ListActions(r.Context(), filter)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return

	case len(parts) == 1 && parts[0] == "actions.xlsx" && r.Method == http.MethodGet:
		filter, err := s.actionFilter(r)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		res, err := s.service.ExportActionLog(r.Context(), filter)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeFile(w, res)
		return

	case len(parts) >= 2 && parts[0] == "actions":
		id, err := parseID(parts[1])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		if len(parts) == 2 && r.Method == http.MethodGet {
			payload, err := s.service.GetAction(r.Context(), id)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if len(parts) == 3 && parts[2] == "export" && r.Method == http.MethodGet {
			format := export.Format(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
			res, err := s.service.ExportAction(r.Context(), export.Request{ActionID: id, Format: format})
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeFile(w, res)
			return
		}

	case len(parts) >= 2 && parts[0] == "diffs":
		id, err := parseID(parts[1])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		if len(parts) == 2 && r.Method == http.MethodGet {
			detail, err := s.service.GetDiff(r.Context(), id)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
			return
		}
		if len(parts) == 3 && parts[2] == "rollback" && r.Method == http.MethodPost {
			action, err := s.service.Rollback(r.Context(), id, metaFromRequest(r))
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"action": optionalAction(action)})
			return
		}

	case len(parts) >= 3 && parts[0] == "consumers":
		s.handleConsumer(w, r, parts[1:])
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleConsumer serves /api/history/consumers/{type}/{id}/...
func (s *HTTPServer) handleConsumer(w http.ResponseWriter, r *http.Request, parts []string) {
	id, err := parseID(parts[1])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	ref := store.ConsumerRef{Type: parts[0], ID: id}

	if len(parts) == 3 && parts[2] == "git-export" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.GitExport(r.Context(), ref)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch len(parts) {
	case 2, 3:
		field := ""
		if len(parts) == 3 {
			field = parts[2]
		}
		limit, offset, err := pageParams(r, 50, 500)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		page, err := s.service.ConsumerActions(r.Context(), ref, field, limit, offset)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	case 4:
		field := parts[2]
		switch parts[3] {
		case "text":
			version, err := queryInt(r, "version", 0)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			payload, err := s.service.FieldText(r.Context(), ref, field, version)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "last-version":
			version, err := s.service.LastVersion(r.Context(), ref, field)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"consumer": ref, "field": field, "version": version})
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if page < 0 {
		s.writeMappedError(w, r, validationError("page must not be negative"))
		return
	}
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	payload, err := s.service.Timeline(r.Context(), types, page)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, offset, err := pageParams(r, 20, 100)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	resp := s.service.Search(r.Context(), search.Query{
		Text:         text,
		ConsumerType: strings.TrimSpace(r.URL.Query().Get("type")),
		Limit:        limit,
		Offset:       offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

type actionQuery struct {
	Actor  string `validate:"max=255"`
	IP     string `validate:"max=46"`
	From   string `validate:"omitempty,datetime=2006-01-02"`
	To     string `validate:"omitempty,datetime=2006-01-02"`
	Type   string `validate:"max=64"`
	Field  string `validate:"max=64"`
	Limit  int    `validate:"gte=0,lte=500"`
	Offset int    `validate:"gte=0"`
}

// actionFilter reads the admin log filters. Dates are calendar days in the
// configured zone and the to day is inclusive.
func (s *HTTPServer) actionFilter(r *http.Request) (store.ActionFilter, error) {
	query := r.URL.Query()
	q := actionQuery{
		Actor: strings.TrimSpace(query.Get("actor")),
		IP:    strings.TrimSpace(query.Get("ip")),
		From:  strings.TrimSpace(query.Get("from")),
		To:    strings.TrimSpace(query.Get("to")),
		Type:  strings.TrimSpace(query.Get("type")),
		Field: strings.TrimSpace(query.Get("field")),
	}
	var err error
	if q.Limit, err = queryInt(r, "limit", 50); err != nil {
		return store.ActionFilter{}, err
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		return store.ActionFilter{}, err
	}
	if err := validate.Struct(q); err != nil {
		return store.ActionFilter{}, err
	}

	filter := store.ActionFilter{
		ConsumerType: q.Type,
		Field:        q.Field,
		ActorID:      q.Actor,
		Origin:       q.IP,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
	if raw := strings.TrimSpace(query.Get("id")); raw != "" {
		if filter.ConsumerID, err = parseID(raw); err != nil {
			return store.ActionFilter{}, err
		}
	}
	loc := s.service.opts.Location
	if q.From != "" {
		from, _ := time.ParseInLocation("2006-01-02", q.From, loc)
		filter.From = &from
	}
	if q.To != "" {
		to, _ := time.ParseInLocation("2006-01-02", q.To, loc)
		to = to.AddDate(0, 0, 1)
		filter.To = &to
	}
	for _, raw := range strings.Split(query.Get("kind"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		kind, err := store.ParseActionKind(raw)
		if err != nil {
			return store.ActionFilter{}, validationError(err.Error())
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	filter.TimelineOnly = query.Get("timeline") == "true"
	return filter, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		httpRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

// decodeValid decodes and validates a JSON body, writing the error
// response itself when either step fails.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validate.Struct(target); err != nil {
		s.writeMappedError(w, r, err)
		return false
	}
	return true
}

// metaFromRequest builds the actor and origin of a mutation. Identity is
// asserted by the upstream gateway through the X-Actor-* headers.
func metaFromRequest(r *http.Request) history.Meta {
	meta := history.Meta{Origin: clientAddr(r)}
	id := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	name := strings.TrimSpace(r.Header.Get("X-Actor-Name"))
	if id != "" || name != "" {
		meta.Actor = &history.Actor{ID: id, Name: name}
	}
	return meta
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeFile(w http.ResponseWriter, res *export.Result) {
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	if res.ArchiveKey != "" {
		w.Header().Set("X-Archive-Key", res.ArchiveKey)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, validationError(fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError(name + " must be an integer")
	}
	return n, nil
}

func pageParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultLimit); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset, nil
}

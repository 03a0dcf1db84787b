package export

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"
	"strings"
	"time"

	"contenthistory/internal/patch"
	"contenthistory/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var actionTemplate = template.Must(template.New("action.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/action.html"))

// TemplateData holds data for the action template
type TemplateData struct {
	Title      string
	Kind       string
	Consumer   string
	Actor      string
	Origin     string
	CreatedAt  time.Time
	RollbackTo int64
	Diffs      []TemplateDiff
}

// TemplateDiff is one colorized field change.
type TemplateDiff struct {
	Field   string
	Version int
	Added   int
	Removed int
	Lines   []patch.Line
}

// NewTemplateData builds the template data for action and its diffs.
func NewTemplateData(action store.Action, diffs []store.Diff) TemplateData {
	data := TemplateData{
		Title:     "Change #" + strconv.FormatInt(action.ID, 10) + " to " + action.Consumer.String(),
		Kind:      action.Kind.String(),
		Consumer:  action.Consumer.String(),
		CreatedAt: action.CreatedAt,
		Diffs:     make([]TemplateDiff, 0, len(diffs)),
	}
	if action.ActorName != nil {
		data.Actor = *action.ActorName
	} else if action.ActorID != nil {
		data.Actor = *action.ActorID
	}
	if action.Origin != nil {
		data.Origin = *action.Origin
	}
	if action.RollbackTo != nil {
		data.RollbackTo = *action.RollbackTo
	}
	for _, d := range diffs {
		added, removed := patch.Stats(d.Change)
		data.Diffs = append(data.Diffs, TemplateDiff{
			Field:   d.Field,
			Version: d.Version,
			Added:   added,
			Removed: removed,
			Lines:   patch.Classify(d.Change),
		})
	}
	return data
}

// RenderActionHTML renders the action template with provided data
func RenderActionHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := actionTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

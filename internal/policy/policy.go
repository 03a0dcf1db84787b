// Package policy decides which content types and fields are tracked by the
// history recorder.
package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"contenthistory/internal/store"
	"gopkg.in/yaml.v3"
)

// Rule registers a type for the timeline feed, per action kind.
type Rule struct {
	Create bool     `yaml:"create"`
	Edit   bool     `yaml:"edit"`
	Delete bool     `yaml:"delete"`
	Fields []string `yaml:"fields,omitempty"`
}

func (r Rule) observes(kind store.ActionKind) bool {
	switch kind {
	case store.ActionCreate:
		return r.Create
	case store.ActionEdit:
		return r.Edit
	case store.ActionDelete:
		return r.Delete
	}
	return false
}

// File is the YAML layout of a policy file.
type File struct {
	Observed map[string][]string `yaml:"observed"`
	Timeline map[string]Rule     `yaml:"timeline"`
}

// Registry holds the flat observed-fields registry and the timeline
// registry. It is safe for concurrent use and can be swapped at runtime.
type Registry struct {
	mu       sync.RWMutex
	observed map[string][]string
	timeline map[string]Rule
}

func New() *Registry {
	return &Registry{
		observed: map[string][]string{},
		timeline: map[string]Rule{},
	}
}

// Default mirrors the stock content types shipped with the service.
func Default() *Registry {
	r := New()
	r.ObserveFields("document", "announce", "body", "is_public", "slug", "tag", "title")
	r.ObserveFields("tag", "title")
	r.ObserveTimeline("document", Rule{Create: true, Edit: true, Delete: true, Fields: []string{"body", "title"}})
	return r
}

func FromFile(f File) *Registry {
	r := New()
	for typeName, fields := range f.Observed {
		r.ObserveFields(typeName, fields...)
	}
	for typeName, rule := range f.Timeline {
		r.ObserveTimeline(typeName, rule)
	}
	return r
}

// Load reads a YAML policy file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return FromFile(f), nil
}

// ObserveFields adds fields to the flat registry for typeName.
func (r *Registry) ObserveFields(typeName string, fields ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[typeName] = mergeFields(r.observed[typeName], fields)
}

// ObserveTimeline sets the timeline rule for typeName.
func (r *Registry) ObserveTimeline(typeName string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.Fields = mergeFields(nil, rule.Fields)
	r.timeline[typeName] = rule
}

// Replace swaps in the contents of other.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	observed := make(map[string][]string, len(other.observed))
	for k, v := range other.observed {
		observed[k] = append([]string(nil), v...)
	}
	timeline := make(map[string]Rule, len(other.timeline))
	for k, v := range other.timeline {
		timeline[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.observed = observed
	r.timeline = timeline
	r.mu.Unlock()
}

// IsObserved reports whether a mutation of kind on typeName is recorded.
// Unknown types are not an error.
func (r *Registry) IsObserved(typeName string, kind store.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.observed[typeName]; ok {
		return true
	}
	rule, ok := r.timeline[typeName]
	return ok && rule.observes(kind)
}

// TimelineObserved reports whether kind on typeName feeds the timeline.
func (r *Registry) TimelineObserved(typeName string, kind store.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.timeline[typeName]
	return ok && rule.observes(kind)
}

// ObservedFields returns the sorted union of the flat fields and, when the
// timeline rule covers kind, the timeline fields.
func (r *Registry) ObservedFields(typeName string, kind store.ActionKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := append([]string(nil), r.observed[typeName]...)
	if rule, ok := r.timeline[typeName]; ok && rule.observes(kind) {
		fields = mergeFields(fields, rule.Fields)
	}
	return fields
}

// TimelineTypes lists the types registered for the timeline feed.
func (r *Registry) TimelineTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.timeline))
	for typeName := range r.timeline {
		out = append(out, typeName)
	}
	sort.Strings(out)
	return out
}

// FieldNames is the closed set of every observed field name.
func (r *Registry) FieldNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []string
	for _, fields := range r.observed {
		all = mergeFields(all, fields)
	}
	for _, rule := range r.timeline {
		all = mergeFields(all, rule.Fields)
	}
	return all
}

// Types lists every type present in either registry.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for typeName := range r.observed {
		seen[typeName] = true
	}
	for typeName := range r.timeline {
		seen[typeName] = true
	}
	out := make([]string, 0, len(seen))
	for typeName := range seen {
		out = append(out, typeName)
	}
	sort.Strings(out)
	return out
}

func mergeFields(base, extra []string) []string {
	set := make(map[string]struct{}, len(base)+len(extra))
	for _, f := range base {
		set[f] = struct{}{}
	}
	for _, f := range extra {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

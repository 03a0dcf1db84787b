package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionKind is the kind of a recorded mutation. Values are persisted as
// integers in hs_action.action_type and must not be renumbered.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionEdit
	ActionDelete
	ActionRollback
	ActionRename
	ActionTrash
	ActionRestore
)

var actionKindNames = [...]string{"create", "edit", "delete", "rollback", "rename", "trash", "restore"}

func (k ActionKind) String() string {
	if k < 0 || int(k) >= len(actionKindNames) {
		return "ActionKind(" + strconv.Itoa(int(k)) + ")"
	}
	return actionKindNames[k]
}

func (k ActionKind) Valid() bool {
	return k >= ActionCreate && k <= ActionRestore
}

// ParseActionKind accepts either the kind name or its numeric value.
func ParseActionKind(raw string) (ActionKind, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range actionKindNames {
		if raw == name {
			return ActionKind(i), nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err == nil && ActionKind(n).Valid() {
		return ActionKind(n), nil
	}
	return 0, fmt.Errorf("unknown action kind %q", raw)
}

// ConsumerRef identifies a tracked content object by type name and id.
type ConsumerRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (r ConsumerRef) String() string {
	return r.Type + ":" + strconv.FormatInt(r.ID, 10)
}

func (r ConsumerRef) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// Action is one audit-log record for a tracked mutation.
type Action struct {
	ID             int64
	Consumer       ConsumerRef
	Kind           ActionKind
	ActorID        *string
	ActorName      *string
	Origin         *string
	RollbackTo     *int64
	ShowInTimeline bool
	CreatedAt      time.Time
}

// Diff is a single version step of one field. Change holds the patch that
// turns version-1 text into this version's text.
type Diff struct {
	ID        int64
	ActionID  int64
	Consumer  ConsumerRef
	Field     string
	Version   int
	Change    string
	Checksum  string
	CreatedAt time.Time
}

// ActionFilter narrows ListActions. Zero values mean "no constraint".
// Origin ending in '*' matches by prefix.
type ActionFilter struct {
	ConsumerType string
	ConsumerID   int64
	Field        string
	ActorID      string
	Origin       string
	From         *time.Time
	To           *time.Time
	Kinds        []ActionKind
	TimelineOnly bool
	Limit        int
	Offset       int
}

type TimelineQuery struct {
	Types []string
	From  time.Time
	To    time.Time
	Limit int
}

type AuthorCount struct {
	ActorID   string
	ActorName string
	Actions   int
}

// DiffMatch is a search hit over stored patches.
type DiffMatch struct {
	Diff      Diff
	ActorName string
}

type Tag struct {
	ID        int64
	Title     string
	UpdatedAt time.Time
}

type Document struct {
	ID        int64
	Title     string
	Slug      string
	Body      string
	Announce  string
	TagID     *int64
	IsPublic  bool
	UpdatedAt time.Time
}

package patch

import "strings"

type LineKind string

const (
	LineHeader  LineKind = "header"
	LineHunk    LineKind = "hunk"
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
	LineContext LineKind = "context"
)

// Line is one display line of a stored patch.
type Line struct {
	Kind LineKind `json:"kind"`
	Text string   `json:"text"`
}

// Color returns the display colour for a line kind, or "" for plain lines.
func (k LineKind) Color() string {
	switch k {
	case LineRemoved:
		return "#cc0000"
	case LineAdded:
		return "#008800"
	case LineHunk:
		return "#990099"
	}
	return ""
}

// Classify splits a patch into display lines.
func Classify(patch string) []Line {
	raw := strings.Split(strings.TrimSuffix(patch, "\n"), "\n")
	lines := make([]Line, 0, len(raw))
	inHeader := true
	for _, text := range raw {
		if text == "" && len(raw) == 1 {
			break
		}
		kind := LineContext
		switch {
		case strings.HasPrefix(text, "@@"):
			kind = LineHunk
			inHeader = false
		case inHeader && (strings.HasPrefix(text, "--- ") || strings.HasPrefix(text, "+++ ")):
			kind = LineHeader
		case strings.HasPrefix(text, "+"):
			kind = LineAdded
		case strings.HasPrefix(text, "-"):
			kind = LineRemoved
		}
		lines = append(lines, Line{Kind: kind, Text: text})
	}
	return lines
}

// Stats counts added and removed lines.
func Stats(patch string) (added, removed int) {
	for _, line := range Classify(patch) {
		switch line.Kind {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		}
	}
	return added, removed
}

// AddedText returns the content of added lines, used for indexing.
func AddedText(patch string) string {
	var b strings.Builder
	for _, line := range Classify(patch) {
		if line.Kind != LineAdded {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.Text[1:])
	}
	return b.String()
}

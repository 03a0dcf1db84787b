// Package patch builds and applies the line-oriented unified diffs stored
// as history versions.
package patch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/crypto/blake2b"
)

// TimeLayout formats the header timestamps.
const TimeLayout = "2006-01-02 15:04:05.000000 -0700"

const contextLines = 3

var (
	ErrMismatch  = errors.New("patch does not match base text")
	ErrMalformed = errors.New("malformed patch")
)

// Header labels the two sides of a patch. Labels and times are for display
// only; Apply ignores them.
type Header struct {
	OldLabel string
	NewLabel string
	OldTime  string
	NewTime  string
}

// FormatTime renders t for a Header, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

// Normalize converts CRLF and lone CR line breaks to LF. Stored text is
// always normalized so that line content survives a diff round trip.
func Normalize(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// Make returns the patch turning oldText into newText. Equal inputs give an
// empty patch. The same inputs always give the same output.
func Make(oldText, newText string, h Header) (string, error) {
	oldText = Normalize(oldText)
	newText = Normalize(newText)
	if oldText == newText {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        withEOL(splitLines(oldText)),
		B:        withEOL(splitLines(newText)),
		FromFile: label(h.OldLabel),
		ToFile:   label(h.NewLabel),
		FromDate: h.OldTime,
		ToDate:   h.NewTime,
		Context:  contextLines,
		Eol:      "\n",
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("make patch: %w", err)
	}
	return out, nil
}

// Apply applies one patch produced by Make to base. Every context and
// removed line must match base exactly.
func Apply(base, patch string) (string, error) {
	body := hunkSection(patch)
	if body == "" {
		return base, nil
	}
	hunks, err := diff.ParseHunks([]byte(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	src := splitLines(Normalize(base))
	out := make([]string, 0, len(src))
	pos := 0
	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < pos || start > len(src) {
			return "", fmt.Errorf("%w: hunk %d starts at line %d, base has %d lines", ErrMismatch, i+1, start+1, len(src))
		}
		out = append(out, src[pos:start]...)
		pos = start

		for _, raw := range hunkLines(h.Body) {
			if raw == "" {
				return "", fmt.Errorf("%w: hunk %d has an empty line", ErrMalformed, i+1)
			}
			op, text := raw[0], raw[1:]
			switch op {
			case ' ', '-':
				if pos >= len(src) || src[pos] != text {
					return "", fmt.Errorf("%w: hunk %d at line %d", ErrMismatch, i+1, pos+1)
				}
				if op == ' ' {
					out = append(out, text)
				}
				pos++
			case '+':
				out = append(out, text)
			case '\\':
			default:
				return "", fmt.Errorf("%w: hunk %d has line prefix %q", ErrMalformed, i+1, op)
			}
		}
	}
	out = append(out, src[pos:]...)
	return joinLines(out), nil
}

// Merge folds patches over the empty text in order.
func Merge(patches []string) (string, error) {
	text := ""
	for i, p := range patches {
		next, err := Apply(text, p)
		if err != nil {
			return "", fmt.Errorf("apply patch %d: %w", i+1, err)
		}
		text = next
	}
	return text, nil
}

// Checksum returns the hex BLAKE2b-256 digest of a stored patch.
func Checksum(patch string) string {
	sum := blake2b.Sum256([]byte(patch))
	return hex.EncodeToString(sum[:])
}

// splitLines splits on LF without keeping separators, so joinLines is its
// exact inverse, including a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func withEOL(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line + "\n"
	}
	return out
}

func label(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return s
}

// hunkSection drops the ---/+++ header and returns the text from the first
// hunk header on.
func hunkSection(patch string) string {
	if strings.HasPrefix(patch, "@@ ") {
		return patch
	}
	if i := strings.Index(patch, "\n@@ "); i >= 0 {
		return patch[i+1:]
	}
	return ""
}

func hunkLines(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

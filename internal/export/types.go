// Package export renders history actions as HTML, PDF and XLSX and can
// archive the results in object storage.
package export

import (
	"errors"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// Request contains parameters for exporting one action.
type Request struct {
	ActionID int64
	Format   Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// ArchiveKey is the object key when the result was archived.
	ArchiveKey string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat is returned for formats an export path cannot produce.
	ErrUnsupportedFormat = errors.New("export format unsupported")
)

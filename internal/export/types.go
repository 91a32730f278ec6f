// Package export renders a library and its entries as HTML or PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts html or pdf; an empty value selects html.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Journal is a library as it is exported: the library itself, its tags and
// its entries in display order.
type Journal struct {
	ID          string
	Title       string
	Description string
	Owner       string
	Tags        []string
	UpdatedAt   time.Time
	Entries     []Entry
}

type Entry struct {
	Title     string
	Content   string
	Doc       any // ProseMirror JSON taken from the entry metadata
	WordCount int
	UpdatedAt time.Time
}

// Result contains the export output. URL is set when the file was uploaded
// to object storage.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	// ErrPDFDependencyMissing indicates no Chromium binary is installed.
	ErrPDFDependencyMissing = errors.New("export: pdf dependency missing")
)

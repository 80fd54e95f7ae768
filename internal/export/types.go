// Package export renders contract versions as clean text, an HTML redline,
// or a PDF of that redline.
package export

import (
	"errors"
	"fmt"
)

// Format represents the export output format
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts the query-string spelling of a format. Empty means text.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatText:
		return FormatText, nil
	case FormatHTML, FormatPDF:
		return Format(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

// Result contains the export output. URL is set when the export was also
// uploaded to object storage.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	// ErrUnsupportedFormat indicates an unknown export format was requested.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

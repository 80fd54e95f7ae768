package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/contract"
)

// Archiver stores a finished export and returns a download URL.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type Service struct {
	archive Archiver
	pdf     func(ctx context.Context, html string) ([]byte, error)
	now     func() time.Time
	log     zerolog.Logger
}

// NewService prints PDFs on Letter paper. archive may be nil, in which
// case exports are only returned inline.
func NewService(archive Archiver, log zerolog.Logger) *Service {
	s := &Service{archive: archive, now: time.Now, log: log}
	return s.WithPaper(PaperLetter)
}

// WithPaper switches the PDF page size.
func (s *Service) WithPaper(paper Paper) *Service {
	s.pdf = chromePrinter{paper: paper, timeout: 30 * time.Second}.Print
	return s
}

// Export renders detail in the requested format. Text exports carry the
// version with accepted suggestions applied and rejected ones restored;
// html and pdf exports carry the redline.
func (s *Service) Export(ctx context.Context, detail contract.VersionDetail, format Format) (*Result, error) {
	base := baseFilename(detail.Contract.Filename, detail.Version.Number)

	var result *Result
	switch format {
	case FormatText:
		text := contract.ApplySuggestions(detail.Version.FullText, detail.Suggestions)
		result = &Result{
			Data:     []byte(text),
			Filename: base + ".txt",
			MimeType: "text/plain; charset=utf-8",
		}
	case FormatHTML, FormatPDF:
		html, err := RenderRedlineHTML(buildTemplateData(detail, s.now()))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		if format == FormatHTML {
			result = &Result{
				Data:     []byte(html),
				Filename: base + ".html",
				MimeType: "text/html; charset=utf-8",
			}
			break
		}
		pdf, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Data:     pdf,
			Filename: base + ".pdf",
			MimeType: "application/pdf",
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if s.archive != nil {
		key := fmt.Sprintf("%s/%s/%s", detail.Contract.ID, detail.Version.ID, result.Filename)
		url, err := s.archive.Put(ctx, key, result.Data, result.MimeType)
		if err != nil {
			s.log.Warn().Err(err).Str("contract_id", detail.Contract.ID).Msg("archive export")
		} else {
			result.URL = url
		}
	}
	return result, nil
}

package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service turns journals into downloadable files. With an Uploader the file
// is also stored in object storage and Result.URL carries a presigned link.
type Service struct {
	uploader *Uploader
	pdf      func(ctx context.Context, html string) ([]byte, error)
	now      func() time.Time
	log      *zap.Logger
}

func NewService(uploader *Uploader, log *zap.Logger) *Service {
	return &Service{
		uploader: uploader,
		pdf:      renderPDF,
		now:      time.Now,
		log:      log.Named("export"),
	}
}

// Export renders j in the requested format.
func (s *Service) Export(ctx context.Context, j Journal, format Format) (*Result, error) {
	page, err := RenderHTML(j)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(j.Title)
	var result *Result
	switch format {
	case FormatHTML:
		result = &Result{Data: []byte(page), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if s.uploader != nil {
		objectName := fmt.Sprintf("%s/%s-%s", j.ID, s.now().UTC().Format("20060102T150405Z"), result.Filename)
		link, err := s.uploader.Upload(ctx, objectName, result.Data, result.MimeType)
		if err != nil {
			s.log.Warn("export upload failed, serving inline", zap.String("library_id", j.ID), zap.Error(err))
		} else {
			result.URL = link
		}
	}
	return result, nil
}

package processor

import (
	"context"
	"fmt"

	"papersynth/internal/models"
	"papersynth/internal/util"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads page text with github.com/ledongthuc/pdf. Layout is not
// preserved beyond line breaks.
type PDFExtractor struct{}

func (PDFExtractor) Extract(ctx context.Context, path string) (pages []models.Page, err error) {
	defer func() {
		// the pdf reader panics on some malformed xref tables
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: read pdf %s: %v", util.ErrExtraction, path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %w", util.ErrExtraction, err)
	}
	defer f.Close()

	total := r.NumPage()
	pages = make([]models.Page, 0, total)
	hasText := false
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, models.Page{Number: i})
			continue
		}
		raw, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", util.ErrExtraction, i, err)
		}
		text := util.CleanPageText(raw)
		if text != "" {
			hasText = true
		}
		pages = append(pages, models.Page{Number: i, Text: text})
	}
	if !hasText {
		return nil, util.ErrNoExtractableText
	}
	return pages, nil
}

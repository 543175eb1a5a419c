// Package extract reads a PDF into a book: page text, embedded raster
// images and the document information dictionary.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// ErrInvalidRange is returned when the requested page range does not fit
// the document.
var ErrInvalidRange = errors.New("invalid page range")

// Sink receives the extracted units. *storage.Book implements it.
type Sink interface {
	PutExtractedPage(p storage.Page) error
	PutImage(img storage.Image) error
	PutPdfMetadata(m storage.PdfMetadata) error
}

// Progress reports that page Page of TotalPages has been extracted.
type Progress struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// Options limit and observe an extraction.
type Options struct {
	// StartPage and EndPage are 1-indexed and inclusive. Zero means the
	// first and the last page.
	StartPage int
	EndPage   int

	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Result summarizes an extraction.
type Result struct {
	Pages      int                 `json:"pages"`
	Images     int                 `json:"images"`
	FirstPage  int                 `json:"first_page"`
	LastPage   int                 `json:"last_page"`
	TotalPages int                 `json:"total_pages"`
	Metadata   storage.PdfMetadata `json:"metadata"`
}

// File extracts the PDF at path.
func File(ctx context.Context, path string, sink Sink, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pdf: %w", err)
	}
	return Extract(ctx, f, info.Size(), sink, opts)
}

// Extract reads size bytes of PDF from r and writes every page in the
// requested range to sink.
func Extract(ctx context.Context, r io.ReaderAt, size int64, sink Sink, opts Options) (res *Result, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// The pdf reader panics on some malformed documents.
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("reading pdf: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading pdf: %w", err)
	}

	total := doc.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	first, last, err := pageRange(opts.StartPage, opts.EndPage, total)
	if err != nil {
		return nil, err
	}

	meta := documentInfo(doc)
	meta.TotalPages = total
	if err := sink.PutPdfMetadata(meta); err != nil {
		return nil, fmt.Errorf("storing pdf metadata: %w", err)
	}

	res = &Result{FirstPage: first, LastPage: last, TotalPages: total, Metadata: meta}
	for n := first; n <= last; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pageID := storage.PageID(n)
		page := doc.Page(n)
		if page.V.IsNull() {
			logger.Warn("pdf page missing", "page", n)
			continue
		}

		text, err := pageText(page)
		if err != nil {
			logger.Warn("page text unreadable", "page_id", pageID, "error", err)
		}
		if err := sink.PutExtractedPage(storage.Page{PageID: pageID, PageNumber: n, Text: text}); err != nil {
			return nil, fmt.Errorf("storing page %s: %w", pageID, err)
		}
		res.Pages++

		images := pageImages(page, pageID, logger)
		for _, img := range images {
			if err := sink.PutImage(img); err != nil {
				return nil, fmt.Errorf("storing image %s: %w", img.ImageID, err)
			}
		}
		res.Images += len(images)

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Page: n, TotalPages: total})
		}
	}
	return res, nil
}

func pageRange(start, end, total int) (int, int, error) {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = total
	}
	if start < 1 || end > total || start > end {
		return 0, 0, fmt.Errorf("%w: %d-%d of %d pages", ErrInvalidRange, start, end, total)
	}
	return start, end, nil
}

func pageText(page pdf.Page) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("decoding content stream: %v", p)
		}
	}()
	text, err = page.GetPlainText(nil)
	return strings.TrimSpace(text), err
}

func documentInfo(doc *pdf.Reader) storage.PdfMetadata {
	info := doc.Trailer().Key("Info")
	if info.IsNull() {
		return storage.PdfMetadata{}
	}
	field := func(key string) string {
		return strings.TrimSpace(info.Key(key).Text())
	}
	return storage.PdfMetadata{
		Title:    field("Title"),
		Author:   field("Author"),
		Subject:  field("Subject"),
		Creator:  field("Creator"),
		Producer: field("Producer"),
	}
}

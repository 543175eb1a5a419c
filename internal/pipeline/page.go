package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/incrementventures/adt-studio-sub000/internal/graph"
)

// PageResult summarizes one page pipeline run.
type PageResult struct {
	PageID       string `json:"page_id"`
	Images       int    `json:"images"`
	PrunedImages int    `json:"pruned_images"`
	Groups       int    `json:"groups"`
	Sections     int    `json:"sections"`
	Rendered     int    `json:"rendered"`
	Tombstones   int    `json:"tombstones"`
	DurationMs   int64  `json:"duration_ms"`
}

// RunPage runs the page stages in order:
//  1. image classification (rule based, no model call)
//  2. text classification
//  3. page sectioning over the groups and unpruned images
//  4. web rendering, fanned out per unpruned section
//
// Stages whose output is already stored are read back, not recomputed.
func (p *Pipeline) RunPage(ctx context.Context, run *graph.Run, pageID string) (res PageResult, err error) {
	start := time.Now()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	images, err := graph.Resolve(ctx, run, p.images, pageID)
	if err != nil {
		return res, err
	}
	texts, err := graph.Resolve(ctx, run, p.texts, pageID)
	if err != nil {
		return res, err
	}
	sectioning, err := graph.Resolve(ctx, run, p.sectioning, pageID)
	if err != nil {
		return res, err
	}
	rendering, err := graph.Resolve(ctx, run, p.rendering, pageID)
	if err != nil {
		return res, err
	}

	res = summarize(pageID, images, texts, sectioning, rendering)
	p.logger.Debug("page pipeline complete",
		slog.String("label", run.Label),
		slog.String("page_id", pageID),
		slog.Int("sections", res.Sections),
		slog.Int("rendered", res.Rendered),
	)
	return res, nil
}

// RerenderPage drops the rendering history of every section of the page
// and renders them again without reading the response cache. Earlier
// stages are reused from the store.
func (p *Pipeline) RerenderPage(ctx context.Context, run *graph.Run, pageID string) (PageResult, error) {
	start := time.Now()
	sectioning, err := graph.Resolve(ctx, run, p.sectioning, pageID)
	if err != nil {
		return PageResult{}, err
	}
	for _, s := range sectioning.Sections {
		if err := p.store.ResetVersions(run.Label, NodeWebRendering, s.SectionID); err != nil {
			return PageResult{}, fmt.Errorf("resetting %s: %w", s.SectionID, err)
		}
	}
	rendering, err := graph.Resolve(ctx, run, p.rerender, pageID)
	if err != nil {
		return PageResult{}, err
	}
	images, err := graph.Resolve(ctx, run, p.images, pageID)
	if err != nil {
		return PageResult{}, err
	}
	texts, err := graph.Resolve(ctx, run, p.texts, pageID)
	if err != nil {
		return PageResult{}, err
	}
	res := summarize(pageID, images, texts, sectioning, rendering)
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// Metadata resolves the book-level metadata record.
func (p *Pipeline) Metadata(ctx context.Context, run *graph.Run) (BookMetadata, error) {
	return graph.Resolve(ctx, run, p.metadata, MetadataItem)
}

// PageIDs lists the extracted pages of a book in order.
func (p *Pipeline) PageIDs(label string) ([]string, error) {
	book, err := p.store.Book(label)
	if err != nil {
		return nil, err
	}
	pages, err := book.ListPages()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(pages))
	for i, pg := range pages {
		ids[i] = pg.PageID
	}
	return ids, nil
}

func summarize(pageID string, images ImageClassification, texts TextClassification, sectioning PageSectioning, rendering PageRendering) PageResult {
	res := PageResult{
		PageID:   pageID,
		Images:   len(images.Images),
		Groups:   len(texts.Groups),
		Sections: len(sectioning.Sections),
	}
	for _, img := range images.Images {
		if img.IsPruned {
			res.PrunedImages++
		}
	}
	for _, s := range rendering.Sections {
		if s.Rendering == nil {
			res.Tombstones++
		} else {
			res.Rendered++
		}
	}
	return res
}

package pipeline

import (
	"context"
	"fmt"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

func (p *Pipeline) imageClassificationNode() *graph.Node[ImageClassification] {
	return &graph.Node[ImageClassification]{
		Name: NodeImageClassification,
		IsComplete: func(ctx context.Context, run *graph.Run, pageID string) (ImageClassification, bool, error) {
			return loadStored[ImageClassification](p.store, run.Label, NodeImageClassification, pageID)
		},
		Resolve: func(ctx context.Context, run *graph.Run, pageID string, emit *graph.Emitter[ImageClassification]) error {
			cfg, err := p.bookConfig(run.Label)
			if err != nil {
				return err
			}
			book, err := p.store.Book(run.Label)
			if err != nil {
				return err
			}
			images, err := book.ListImages(pageID)
			if err != nil {
				return fmt.Errorf("listing images: %w", err)
			}

			out := ClassifyImages(images, cfg.ImageFilters)
			if _, err := p.store.PutNext(run.Label, NodeImageClassification, pageID, out); err != nil {
				return err
			}
			emit.Progressf("classified %d images", len(out.Images))
			emit.Emit(out)
			return nil
		},
	}
}

// ClassifyImages applies the size and aspect ratio filters to page images.
func ClassifyImages(images []storage.Image, f config.ImageFilters) ImageClassification {
	out := ImageClassification{Images: make([]ClassifiedImage, 0, len(images))}
	for _, img := range images {
		c := ClassifiedImage{ImageID: img.ImageID, Width: img.Width, Height: img.Height}
		c.Reason = pruneReason(img.Width, img.Height, f)
		c.IsPruned = c.Reason != ""
		out.Images = append(out.Images, c)
	}
	return out
}

func pruneReason(w, h int, f config.ImageFilters) string {
	if w <= 0 || h <= 0 {
		return "unknown dimensions"
	}
	short, long := min(w, h), max(w, h)
	switch {
	case f.MinSide > 0 && short < f.MinSide:
		return fmt.Sprintf("smaller than %dpx", f.MinSide)
	case f.MaxSide > 0 && long > f.MaxSide:
		return fmt.Sprintf("larger than %dpx", f.MaxSide)
	case f.MaxAspectRatio > 0 && float64(long)/float64(short) > f.MaxAspectRatio:
		return fmt.Sprintf("aspect ratio above %g", f.MaxAspectRatio)
	}
	return ""
}

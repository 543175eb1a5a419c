package studio

import (
	"context"
	"fmt"

	"github.com/incrementventures/adt-studio-sub000/internal/extract"
	"github.com/incrementventures/adt-studio-sub000/internal/pipeline"
	"github.com/incrementventures/adt-studio-sub000/internal/queue"
)

// MetadataResult is the result of a metadata job.
type MetadataResult struct {
	Metadata pipeline.BookMetadata `json:"metadata"`
	PageIDs  []string              `json:"page_ids"`
}

func (s *Service) registry() queue.Registry {
	return queue.Registry{
		queue.KindExtract:      &extractExecutor{s: s},
		queue.KindMetadata:     &metadataExecutor{s: s},
		queue.KindPagePipeline: queue.ExecutorFunc(s.runPagePipeline),
		queue.KindWebRendering: queue.ExecutorFunc(s.runWebRendering),
	}
}

// extractExecutor reads the PDF into the book and then queues metadata.
type extractExecutor struct{ s *Service }

func (e *extractExecutor) Execute(ctx context.Context, job queue.Job, update func(queue.Patch)) (any, error) {
	params, ok := job.Params.(queue.ExtractParams)
	if !ok {
		return nil, fmt.Errorf("extract job with %T params", job.Params)
	}
	res, err := extract.File(ctx, params.Path, e.s.Store.Sink(job.Label), extract.Options{
		StartPage: params.StartPage,
		EndPage:   params.EndPage,
		Logger:    e.s.logger.With("job_id", job.ID, "label", job.Label),
		OnProgress: func(p extract.Progress) {
			update(queue.Patch{Progress: &queue.Progress{
				Message: "extracting pages",
				Current: p.Page,
				Total:   p.TotalPages,
			}})
		},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *extractExecutor) Cascade(job queue.Job, _ any) []queue.Request {
	return []queue.Request{{Kind: queue.KindMetadata, Label: job.Label, Params: queue.MetadataParams{}}}
}

// metadataExecutor resolves the book metadata and fans out one page
// pipeline job per extracted page.
type metadataExecutor struct{ s *Service }

func (e *metadataExecutor) Execute(ctx context.Context, job queue.Job, update func(queue.Patch)) (any, error) {
	defer e.s.locks.lock(job.Label + "/metadata")()
	run := e.s.newRun(job.Label, update)
	md, err := e.s.Pipeline.Metadata(ctx, run)
	if err != nil {
		return nil, err
	}
	ids, err := e.s.Pipeline.PageIDs(job.Label)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	return MetadataResult{Metadata: md, PageIDs: ids}, nil
}

func (e *metadataExecutor) Cascade(job queue.Job, result any) []queue.Request {
	res, ok := result.(MetadataResult)
	if !ok {
		return nil
	}
	reqs := make([]queue.Request, len(res.PageIDs))
	for i, id := range res.PageIDs {
		reqs[i] = queue.Request{
			Kind:   queue.KindPagePipeline,
			Label:  job.Label,
			Params: queue.PagePipelineParams{PageID: id},
		}
	}
	return reqs
}

// pageLockKey names the lock shared by every job that writes one page's
// node outputs, so their version sequences never interleave.
func pageLockKey(label, pageID string) string {
	return label + "/" + pageID
}

func (s *Service) runPagePipeline(ctx context.Context, job queue.Job, update func(queue.Patch)) (any, error) {
	params, ok := job.Params.(queue.PagePipelineParams)
	if !ok {
		return nil, fmt.Errorf("page pipeline job with %T params", job.Params)
	}
	defer s.locks.lock(pageLockKey(job.Label, params.PageID))()
	res, err := s.Pipeline.RunPage(ctx, s.newRun(job.Label, update), params.PageID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) runWebRendering(ctx context.Context, job queue.Job, update func(queue.Patch)) (any, error) {
	params, ok := job.Params.(queue.WebRenderingParams)
	if !ok {
		return nil, fmt.Errorf("web rendering job with %T params", job.Params)
	}
	defer s.locks.lock(pageLockKey(job.Label, params.PageID))()
	res, err := s.Pipeline.RerenderPage(ctx, s.newRun(job.Label, update), params.PageID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind selects the executor of a job.
type Kind string

// Job kinds.
const (
	KindExtract      Kind = "extract"
	KindMetadata     Kind = "metadata"
	KindPagePipeline Kind = "page-pipeline"
	KindWebRendering Kind = "web-rendering"
)

// Kinds lists every job kind.
func Kinds() []Kind {
	return []Kind{KindExtract, KindMetadata, KindPagePipeline, KindWebRendering}
}

// Status is the lifecycle state of a job.
type Status string

// Job statuses. queued -> running -> completed | failed; a queued job whose
// kind has no executor goes straight to failed.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Params is the typed payload of a job. The set of implementations is
// closed: one per Kind.
type Params interface {
	Kind() Kind
}

// ExtractParams asks for a PDF to be extracted into a book.
type ExtractParams struct {
	// Path is the PDF on local disk.
	Path string `json:"path"`
	// StartPage and EndPage are 1-indexed and inclusive; zero means the
	// first and last page.
	StartPage int `json:"start_page,omitempty"`
	EndPage   int `json:"end_page,omitempty"`
}

// MetadataParams asks for the book metadata; it has no fields.
type MetadataParams struct{}

// PagePipelineParams asks for the full pipeline of one page.
type PagePipelineParams struct {
	PageID string `json:"page_id"`
}

// WebRenderingParams asks for a page's sections to be rendered again.
type WebRenderingParams struct {
	PageID string `json:"page_id"`
}

func (ExtractParams) Kind() Kind      { return KindExtract }
func (MetadataParams) Kind() Kind     { return KindMetadata }
func (PagePipelineParams) Kind() Kind { return KindPagePipeline }
func (WebRenderingParams) Kind() Kind { return KindWebRendering }

// DecodeParams decodes raw JSON into the params type of kind. Empty raw
// input yields zero params.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, error) {
	var p Params
	switch kind {
	case KindExtract:
		var v ExtractParams
		if err := decodeInto(raw, &v); err != nil {
			return nil, err
		}
		if v.Path == "" {
			return nil, fmt.Errorf("extract: path is required")
		}
		p = v
	case KindMetadata:
		p = MetadataParams{}
	case KindPagePipeline:
		var v PagePipelineParams
		if err := decodeInto(raw, &v); err != nil {
			return nil, err
		}
		if v.PageID == "" {
			return nil, fmt.Errorf("%s: page_id is required", kind)
		}
		p = v
	case KindWebRendering:
		var v WebRenderingParams
		if err := decodeInto(raw, &v); err != nil {
			return nil, err
		}
		if v.PageID == "" {
			return nil, fmt.Errorf("%s: page_id is required", kind)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return p, nil
}

func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}

// Progress is the latest progress report of a running job.
type Progress struct {
	Message string `json:"message,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// Job is a snapshot of one queued unit of work.
type Job struct {
	ID          int64      `json:"id"`
	Kind        Kind       `json:"type"`
	Label       string     `json:"label"`
	Status      Status     `json:"status"`
	Params      Params     `json:"params,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UnmarshalJSON decodes a job snapshot, restoring the params type from
// the job kind. Params are not validated.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	var aux struct {
		*plain
		Params json.RawMessage `json:"params,omitempty"`
	}
	aux.plain = (*plain)(j)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var p Params
	switch j.Kind {
	case KindExtract:
		p = &ExtractParams{}
	case KindMetadata:
		j.Params = MetadataParams{}
		return nil
	case KindPagePipeline:
		p = &PagePipelineParams{}
	case KindWebRendering:
		p = &WebRenderingParams{}
	default:
		j.Params = nil
		return nil
	}
	if err := decodeInto(aux.Params, p); err != nil {
		return err
	}
	switch v := p.(type) {
	case *ExtractParams:
		j.Params = *v
	case *PagePipelineParams:
		j.Params = *v
	case *WebRenderingParams:
		j.Params = *v
	}
	return nil
}

// Patch is a partial job update sent by an executor. Nil fields are left
// unchanged.
type Patch struct {
	Status   *Status
	Progress *Progress
	Result   any
	Error    *string
}

// Request describes a job to enqueue.
type Request struct {
	Kind   Kind
	Label  string
	Params Params
}

// Stats counts jobs that are not yet terminal.
type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Event types.
const (
	EventStats = "stats"
	EventJob   = "job"
)

// Event is published on every job transition and progress update. A
// stats event carries Stats; a job event carries the job snapshot.
type Event struct {
	Type  string `json:"type"`
	Stats *Stats `json:"stats,omitempty"`
	Job   *Job   `json:"job,omitempty"`
}

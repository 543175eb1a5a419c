package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrScopeDeleted is returned when a book marked deleted is accessed.
var ErrScopeDeleted = errors.New("book is deleted")

// ErrSchemaMismatch matches any *SchemaMismatchError via errors.Is.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ErrVersionConflict is returned when putNext collides with an existing version.
var ErrVersionConflict = errors.New("version conflict")

// ErrInvalidLabel is returned for labels that cannot name a book directory.
var ErrInvalidLabel = errors.New("invalid book label")

// SchemaMismatchError reports a book database written by an incompatible
// version of the schema. Such books must be deleted and imported again.
type SchemaMismatchError struct {
	Label    string
	Found    int
	Expected int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("book %q has schema version %d, expected %d: delete the book and import it again",
		e.Label, e.Found, e.Expected)
}

func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Record is one stored version of a node output. Data is nil for tombstones.
type Record struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into v. Tombstones leave v untouched.
func (r Record) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page is the extracted text of a single PDF page.
type Page struct {
	PageID     string `json:"page_id"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// Image is a raster image extracted from a page.
type Image struct {
	ImageID string `json:"image_id"`
	PageID  string `json:"page_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	MIME    string `json:"mime"`
	Data    []byte `json:"-"`
}

// PdfMetadata is the document information dictionary of the source PDF.
type PdfMetadata struct {
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Creator    string `json:"creator,omitempty"`
	Producer   string `json:"producer,omitempty"`
	TotalPages int    `json:"total_pages"`
}

// LLMCall is one persisted model call attempt.
type LLMCall struct {
	ID               int64     `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Task             string    `json:"task"`
	ItemID           string    `json:"item_id"`
	Model            string    `json:"model"`
	CacheHit         bool      `json:"cache_hit"`
	Attempt          int       `json:"attempt"`
	DurationMs       int64     `json:"duration_ms"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
	Error            string    `json:"error,omitempty"`
	Messages         string    `json:"messages"` // JSON array stored as text
}

// BookInfo describes a book directory found under the data dir.
type BookInfo struct {
	Label   string `json:"label"`
	Deleted bool   `json:"deleted"`
}

// Package pipeline defines the book processing stages as graph nodes.
//
// Per page the stages are image classification, text classification, page
// sectioning and web rendering, each persisting its output to the node
// store. The book-level metadata stage reads the first pages. Every stage
// checks the store first, so rerunning a page only computes what is
// missing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/prompt"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// Node names as stored in the node store.
const (
	NodeImageClassification = "image-classification"
	NodeTextClassification  = "text-classification"
	NodePageSectioning      = "page-sectioning"
	NodeWebRendering        = "web-rendering"
	NodeMetadata            = "metadata"
)

// nodeRerender memoizes forced re-renders apart from NodeWebRendering.
// Records are still written under NodeWebRendering.
const nodeRerender = NodeWebRendering + ":rerender"

// MetadataItem is the item id of the book-level metadata record.
const MetadataItem = "book"

// ConfigSource returns the merged configuration of a book.
type ConfigSource interface {
	Get(label string) (config.BookConfig, error)
}

// Generator runs a validated model call.
type Generator interface {
	Generate(ctx context.Context, call llm.Call) (*llm.Result, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     *storage.Manager
	Configs   ConfigSource
	Prompts   *prompt.Library
	Generator Generator
	// DefaultModel is used when neither the stage nor the book names one.
	DefaultModel string
	Logger       *slog.Logger
}

// Pipeline holds the stage nodes and what they need to run.
type Pipeline struct {
	store        *storage.Manager
	configs      ConfigSource
	prompts      *prompt.Library
	gen          Generator
	defaultModel string
	logger       *slog.Logger

	images     *graph.Node[ImageClassification]
	texts      *graph.Node[TextClassification]
	sectioning *graph.Node[PageSectioning]
	rendering  *graph.Node[PageRendering]
	rerender   *graph.Node[PageRendering]
	metadata   *graph.Node[BookMetadata]
}

// New wires the stage nodes.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:        d.Store,
		configs:      d.Configs,
		prompts:      d.Prompts,
		gen:          d.Generator,
		defaultModel: d.DefaultModel,
		logger:       d.Logger,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.images = p.imageClassificationNode()
	p.texts = p.textClassificationNode()
	p.sectioning = p.pageSectioningNode()
	p.rendering = p.webRenderingNode(false)
	p.rerender = p.webRenderingNode(true)
	p.metadata = p.metadataNode()
	return p
}

// loadStored decodes the latest record of (node, itemID). ok is false when
// nothing is stored yet.
func loadStored[T any](store *storage.Manager, label, node, itemID string) (value T, ok bool, err error) {
	rec, err := store.GetLatest(label, node, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := rec.Decode(&value); err != nil {
		return value, false, fmt.Errorf("decoding %s/%s: %w", node, itemID, err)
	}
	return value, true, nil
}

func (p *Pipeline) bookConfig(label string) (config.BookConfig, error) {
	cfg, err := p.configs.Get(label)
	if err != nil {
		return config.BookConfig{}, fmt.Errorf("loading book config: %w", err)
	}
	return cfg, nil
}

// stage returns the settings of a model-backed stage, falling back to the
// application default model.
func (p *Pipeline) stage(cfg config.BookConfig, name string) (config.StageConfig, error) {
	s := cfg.Stage(name)
	if s.Model == "" {
		s.Model = p.defaultModel
	}
	if s.Model == "" {
		return s, fmt.Errorf("%s: no model configured (set default_model or stages.%s.model)", name, name)
	}
	return s, nil
}

func vocabulary(cfg config.BookConfig) prompt.Data {
	return prompt.Data{
		TextTypes:    prompt.Entries(cfg.TextTypes),
		GroupTypes:   prompt.Entries(cfg.TextGroupTypes),
		SectionTypes: prompt.Entries(cfg.SectionTypes),
	}
}

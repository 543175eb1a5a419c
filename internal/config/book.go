package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed base.yaml
var baseYAML []byte

// BookConfigFile is the name of a book's override file inside its directory.
const BookConfigFile = "config.yaml"

// Stage names used as keys under stages:.
const (
	StageTextClassification = "text_classification"
	StagePageSectioning     = "page_sectioning"
	StageWebRendering       = "web_rendering"
	StageMetadata           = "metadata"
)

// BookConfig is the merged configuration of one book.
type BookConfig struct {
	DefaultModel       string                 `yaml:"default_model"`
	TextTypes          map[string]string      `yaml:"text_types"`
	TextGroupTypes     map[string]string      `yaml:"text_group_types"`
	SectionTypes       map[string]string      `yaml:"section_types"`
	PrunedTextTypes    []string               `yaml:"pruned_text_types"`
	PrunedSectionTypes []string               `yaml:"pruned_section_types"`
	ImageFilters       ImageFilters           `yaml:"image_filters"`
	Metadata           MetadataConfig         `yaml:"metadata"`
	Stages             map[string]StageConfig `yaml:"stages"`
}

// ImageFilters decide which page images are pruned before sectioning.
type ImageFilters struct {
	MinSide        int     `yaml:"min_side"`
	MaxSide        int     `yaml:"max_side"`
	MaxAspectRatio float64 `yaml:"max_aspect_ratio"`
}

// MetadataConfig controls how much of the book the metadata stage reads.
type MetadataConfig struct {
	Pages       int `yaml:"pages"`
	TokenBudget int `yaml:"token_budget"`
}

// StageConfig configures one model-backed stage.
type StageConfig struct {
	Prompt      string `yaml:"prompt"`
	Model       string `yaml:"model"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"max_retries"`
}

// Stage returns the settings for name with the book default model and
// prompt name filled in.
func (b BookConfig) Stage(name string) StageConfig {
	s := b.Stages[name]
	if s.Prompt == "" {
		s.Prompt = name
	}
	if s.Model == "" {
		s.Model = b.DefaultModel
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	return s
}

// IsPrunedText reports whether texts of type t are dropped from rendering.
func (b BookConfig) IsPrunedText(t string) bool {
	return slices.Contains(b.PrunedTextTypes, t)
}

// IsPrunedSection reports whether sections of type t are not rendered.
func (b BookConfig) IsPrunedSection(t string) bool {
	return slices.Contains(b.PrunedSectionTypes, t)
}

// Validate checks that pruned types exist in their vocabularies.
func (b BookConfig) Validate() error {
	var errs []error
	if len(b.TextTypes) == 0 {
		errs = append(errs, errors.New("text_types must not be empty"))
	}
	if len(b.TextGroupTypes) == 0 {
		errs = append(errs, errors.New("text_group_types must not be empty"))
	}
	if len(b.SectionTypes) == 0 {
		errs = append(errs, errors.New("section_types must not be empty"))
	}
	for _, t := range b.PrunedTextTypes {
		if _, ok := b.TextTypes[t]; !ok {
			errs = append(errs, fmt.Errorf("pruned_text_types: unknown text type %q", t))
		}
	}
	for _, t := range b.PrunedSectionTypes {
		if _, ok := b.SectionTypes[t]; !ok {
			errs = append(errs, fmt.Errorf("pruned_section_types: unknown section type %q", t))
		}
	}
	f := b.ImageFilters
	if f.MinSide < 0 || (f.MaxSide > 0 && f.MaxSide < f.MinSide) {
		errs = append(errs, fmt.Errorf("image_filters: invalid side bounds %d..%d", f.MinSide, f.MaxSide))
	}
	if f.MaxAspectRatio < 0 {
		errs = append(errs, fmt.Errorf("image_filters: max_aspect_ratio must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadBook merges <dataDir>/<label>/config.yaml over the embedded base.
// A missing override file yields the base configuration.
func LoadBook(dataDir, label string) (BookConfig, error) {
	var override []byte
	if dataDir != "" && label != "" {
		data, err := os.ReadFile(filepath.Join(dataDir, label, BookConfigFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return BookConfig{}, fmt.Errorf("reading book config: %w", err)
		}
		override = data
	}
	return MergeBook(override)
}

// MergeBook deep-merges override YAML over the embedded base.
func MergeBook(override []byte) (BookConfig, error) {
	var base map[string]any
	if err := yaml.Unmarshal(baseYAML, &base); err != nil {
		return BookConfig{}, fmt.Errorf("parsing base config: %w", err)
	}

	if len(bytes.TrimSpace(override)) > 0 {
		var over map[string]any
		if err := yaml.Unmarshal(override, &over); err != nil {
			return BookConfig{}, fmt.Errorf("parsing book config: %w", err)
		}
		base = deepMerge(base, over)
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return BookConfig{}, fmt.Errorf("encoding merged config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	var cfg BookConfig
	if err := dec.Decode(&cfg); err != nil {
		return BookConfig{}, fmt.Errorf("decoding book config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return BookConfig{}, fmt.Errorf("invalid book config: %w", err)
	}
	return cfg, nil
}

// deepMerge merges src into dst. Nested maps merge recursively; any other
// src value, including a list, replaces the dst value.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, sv := range src {
		srcMap, srcIsMap := sv.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = sv
	}
	return dst
}

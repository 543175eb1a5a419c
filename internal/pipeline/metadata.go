package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/prompt"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

func (p *Pipeline) metadataNode() *graph.Node[BookMetadata] {
	return &graph.Node[BookMetadata]{
		Name: NodeMetadata,
		IsComplete: func(ctx context.Context, run *graph.Run, item string) (BookMetadata, bool, error) {
			return loadStored[BookMetadata](p.store, run.Label, NodeMetadata, item)
		},
		Resolve: func(ctx context.Context, run *graph.Run, item string, emit *graph.Emitter[BookMetadata]) error {
			out, err := p.describeBook(ctx, run.Label)
			if err != nil {
				return err
			}
			if _, err := p.store.PutNext(run.Label, NodeMetadata, item, out); err != nil {
				return err
			}
			emit.Progressf("title %q", out.Title)
			emit.Emit(out)
			return nil
		},
	}
}

func (p *Pipeline) describeBook(ctx context.Context, label string) (BookMetadata, error) {
	cfg, err := p.bookConfig(label)
	if err != nil {
		return BookMetadata{}, err
	}
	book, err := p.store.Book(label)
	if err != nil {
		return BookMetadata{}, err
	}
	pages, err := book.ListPages()
	if err != nil {
		return BookMetadata{}, fmt.Errorf("listing pages: %w", err)
	}
	info, err := book.GetPdfMetadata()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return BookMetadata{}, err
	}

	var texts []prompt.PageText
	for _, pg := range pages {
		if cfg.Metadata.Pages > 0 && len(texts) == cfg.Metadata.Pages {
			break
		}
		if strings.TrimSpace(pg.Text) == "" {
			continue
		}
		texts = append(texts, prompt.PageText{PageID: pg.PageID, Text: pg.Text})
	}
	texts = prompt.FitPages(texts, cfg.Metadata.TokenBudget)
	if len(texts) == 0 {
		out := BookMetadata{Title: info.Title, Authors: []string{}, Reasoning: "book has no text"}
		if info.Author != "" {
			out.Authors = []string{info.Author}
		}
		return out, nil
	}

	stage, err := p.stage(cfg, config.StageMetadata)
	if err != nil {
		return BookMetadata{}, err
	}
	system, err := p.prompts.Render(label, stage.Prompt, vocabulary(cfg))
	if err != nil {
		return BookMetadata{}, err
	}

	offered := make(map[string]bool, len(texts))
	for _, t := range texts {
		offered[t.PageID] = true
	}

	res, err := p.gen.Generate(ctx, llm.Call{
		Label:      label,
		Task:       NodeMetadata,
		ItemID:     MetadataItem,
		Model:      stage.Model,
		System:     system,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: metadataMessage(info, texts)}},
		Schema:     metadataSchema(),
		Validate:   func(obj json.RawMessage) []string { return validateMetadata(obj, offered) },
		MaxRetries: stage.MaxRetries,
	})
	if err != nil {
		return BookMetadata{}, err
	}

	var out BookMetadata
	if err := json.Unmarshal(res.Object, &out); err != nil {
		return BookMetadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	if out.Authors == nil {
		out.Authors = []string{}
	}
	return out, nil
}

func metadataMessage(info storage.PdfMetadata, pages []prompt.PageText) string {
	var b strings.Builder
	if info.Title != "" || info.Author != "" {
		b.WriteString("Document properties:\n")
		if info.Title != "" {
			fmt.Fprintf(&b, "  title: %s\n", info.Title)
		}
		if info.Author != "" {
			fmt.Fprintf(&b, "  author: %s\n", info.Author)
		}
		b.WriteString("\n")
	}
	b.WriteString(prompt.FormatPages(pages))
	return b.String()
}

func validateMetadata(obj json.RawMessage, offered map[string]bool) []string {
	var out BookMetadata
	if err := json.Unmarshal(obj, &out); err != nil {
		return []string{fmt.Sprintf("response does not match the metadata shape: %v", err)}
	}
	var problems []string
	if strings.TrimSpace(out.Title) == "" {
		problems = append(problems, "title is empty")
	}
	if out.CoverPage != "" && !offered[out.CoverPage] {
		problems = append(problems, fmt.Sprintf("cover_page %q is not one of the pages shown", out.CoverPage))
	}
	return problems
}

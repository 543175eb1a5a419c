package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// webRenderingNode renders every unpruned section of a page, one record
// per section. With force set it ignores stored renderings and bypasses
// cache reads, and is memoized under its own name.
func (p *Pipeline) webRenderingNode(force bool) *graph.Node[PageRendering] {
	name := NodeWebRendering
	if force {
		name = nodeRerender
	}
	n := &graph.Node[PageRendering]{
		Name: name,
		Resolve: func(ctx context.Context, run *graph.Run, pageID string, emit *graph.Emitter[PageRendering]) error {
			sectioning, err := graph.Resolve(ctx, run, p.sectioning, pageID)
			if err != nil {
				return err
			}
			out, err := p.renderPage(ctx, run.Label, pageID, sectioning, force, emit)
			if err != nil {
				return err
			}
			emit.Emit(out)
			return nil
		},
	}
	if !force {
		n.IsComplete = func(ctx context.Context, run *graph.Run, pageID string) (PageRendering, bool, error) {
			return p.storedRendering(run.Label, pageID)
		}
	}
	return n
}

// storedRendering returns the page rendering if every unpruned section
// already has a record.
func (p *Pipeline) storedRendering(label, pageID string) (PageRendering, bool, error) {
	sectioning, ok, err := loadStored[PageSectioning](p.store, label, NodePageSectioning, pageID)
	if err != nil || !ok {
		return PageRendering{}, false, err
	}
	out := PageRendering{PageID: pageID, Sections: []RenderedSection{}}
	for _, s := range sectioning.Sections {
		if s.IsPruned {
			continue
		}
		rs, ok, err := p.storedSection(label, s.SectionID)
		if err != nil || !ok {
			return PageRendering{}, false, err
		}
		out.Sections = append(out.Sections, rs)
	}
	return out, true, nil
}

func (p *Pipeline) storedSection(label, sectionID string) (RenderedSection, bool, error) {
	rec, err := p.store.GetLatest(label, NodeWebRendering, sectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return RenderedSection{}, false, nil
	}
	if err != nil {
		return RenderedSection{}, false, err
	}
	rs := RenderedSection{SectionID: sectionID, Version: rec.Version}
	if rec.Data != nil {
		var r SectionRendering
		if err := rec.Decode(&r); err != nil {
			return RenderedSection{}, false, fmt.Errorf("decoding %s/%s: %w", NodeWebRendering, sectionID, err)
		}
		rs.Rendering = &r
	}
	return rs, true, nil
}

func (p *Pipeline) renderPage(ctx context.Context, label, pageID string, sectioning PageSectioning, force bool, emit *graph.Emitter[PageRendering]) (PageRendering, error) {
	cfg, err := p.bookConfig(label)
	if err != nil {
		return PageRendering{}, err
	}
	stage := cfg.Stage(config.StageWebRendering)

	var sections []Section
	for _, s := range sectioning.Sections {
		if !s.IsPruned {
			sections = append(sections, s)
		}
	}
	results := make([]RenderedSection, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stage.Concurrency)
	for i, s := range sections {
		g.Go(func() error {
			if !force {
				rs, ok, err := p.storedSection(label, s.SectionID)
				if err != nil {
					return err
				}
				if ok {
					results[i] = rs
					return nil
				}
			}
			rs, err := p.renderSection(gctx, label, cfg, s, force)
			if err != nil {
				return fmt.Errorf("section %s: %w", s.SectionID, err)
			}
			results[i] = rs
			if rs.Rendering == nil {
				emit.Progressf("section %s has nothing to render", s.SectionID)
			} else {
				emit.Progressf("rendered section %s", s.SectionID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PageRendering{}, err
	}
	return PageRendering{PageID: pageID, Sections: results}, nil
}

func (p *Pipeline) renderSection(ctx context.Context, label string, cfg config.BookConfig, s Section, force bool) (RenderedSection, error) {
	if !s.Renderable() {
		v, err := p.store.PutNext(label, NodeWebRendering, s.SectionID, nil)
		if err != nil {
			return RenderedSection{}, err
		}
		return RenderedSection{SectionID: s.SectionID, Version: v}, nil
	}

	stage, err := p.stage(cfg, config.StageWebRendering)
	if err != nil {
		return RenderedSection{}, err
	}
	system, err := p.prompts.Render(label, stage.Prompt, vocabulary(cfg))
	if err != nil {
		return RenderedSection{}, err
	}
	msg, err := p.sectionMessage(label, s)
	if err != nil {
		return RenderedSection{}, err
	}

	res, err := p.gen.Generate(ctx, llm.Call{
		Label:      label,
		Task:       NodeWebRendering,
		ItemID:     s.SectionID,
		Model:      stage.Model,
		System:     system,
		Messages:   []llm.Message{msg},
		Schema:     webRenderingSchema(),
		Validate:   func(obj json.RawMessage) []string { return validateRendering(obj, s) },
		MaxRetries: stage.MaxRetries,
		SkipCache:  force,
	})
	if err != nil {
		return RenderedSection{}, err
	}

	var raw webRenderingOutput
	if err := json.Unmarshal(res.Object, &raw); err != nil {
		return RenderedSection{}, fmt.Errorf("decoding web rendering: %w", err)
	}
	r := &SectionRendering{
		SectionID:   s.SectionID,
		SectionType: s.SectionType,
		Reasoning:   raw.Reasoning,
		HTML:        strings.TrimSpace(raw.Content),
	}
	v, err := p.store.PutNext(label, NodeWebRendering, s.SectionID, r)
	if err != nil {
		return RenderedSection{}, err
	}
	return RenderedSection{SectionID: s.SectionID, Version: v, Rendering: r}, nil
}

func (p *Pipeline) sectionMessage(label string, s Section) (llm.Message, error) {
	book, err := p.store.Book(label)
	if err != nil {
		return llm.Message{}, err
	}
	msg := llm.Message{Role: llm.RoleUser}
	var b strings.Builder
	fmt.Fprintf(&b, "Section %s (%s), background %s, text color %s.\n", s.SectionID, s.SectionType, s.BackgroundColor, s.TextColor)
	for _, part := range s.Parts {
		if part.IsPruned {
			continue
		}
		switch part.Type {
		case PartGroup:
			fmt.Fprintf(&b, "\n[%s] text group (%s)\n", part.ID, part.GroupType)
			for _, t := range part.Texts {
				if t.IsPruned {
					continue
				}
				fmt.Fprintf(&b, "  [%s] %s: %s\n", t.TextID, t.TextType, t.Text)
			}
		case PartImage:
			fmt.Fprintf(&b, "\n[%s] image %dx%d\n", part.ID, part.Width, part.Height)
			img, err := book.GetImage(part.ID)
			if err != nil {
				return llm.Message{}, fmt.Errorf("reading image %s: %w", part.ID, err)
			}
			msg.Images = append(msg.Images, llm.Image{Data: img.Data, MIME: img.MIME})
		}
	}
	msg.Content = strings.TrimRight(b.String(), "\n")
	return msg, nil
}

// validateRendering parses the HTML and checks its data-id attributes:
// each must name an unpruned part or text of the section, and every
// unpruned text must appear.
func validateRendering(obj json.RawMessage, s Section) []string {
	var out webRenderingOutput
	if err := json.Unmarshal(obj, &out); err != nil {
		return []string{fmt.Sprintf("response does not match the rendering shape: %v", err)}
	}
	if strings.TrimSpace(out.Content) == "" {
		return []string{"content is empty"}
	}
	doc, err := html.Parse(strings.NewReader(out.Content))
	if err != nil {
		return []string{fmt.Sprintf("content is not parseable HTML: %v", err)}
	}

	allowed := make(map[string]bool)
	var required []string
	for _, part := range s.Parts {
		if part.IsPruned {
			continue
		}
		allowed[part.ID] = true
		for _, t := range part.Texts {
			if t.IsPruned {
				continue
			}
			allowed[t.TextID] = true
			required = append(required, t.TextID)
		}
	}

	var problems []string
	seen := make(map[string]bool)
	for _, id := range dataIDs(doc) {
		if !allowed[id] {
			problems = append(problems, fmt.Sprintf("data-id %q is not a part of this section", id))
			continue
		}
		seen[id] = true
	}
	for _, id := range required {
		if !seen[id] {
			problems = append(problems, fmt.Sprintf("text %s is missing (no element with data-id %q)", id, id))
		}
	}
	return problems
}

func dataIDs(n *html.Node) []string {
	var ids []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "data-id" {
					ids = append(ids, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return ids
}

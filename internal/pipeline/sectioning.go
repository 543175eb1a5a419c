package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
)

func (p *Pipeline) pageSectioningNode() *graph.Node[PageSectioning] {
	return &graph.Node[PageSectioning]{
		Name: NodePageSectioning,
		IsComplete: func(ctx context.Context, run *graph.Run, pageID string) (PageSectioning, bool, error) {
			return loadStored[PageSectioning](p.store, run.Label, NodePageSectioning, pageID)
		},
		Resolve: func(ctx context.Context, run *graph.Run, pageID string, emit *graph.Emitter[PageSectioning]) error {
			images, err := graph.Resolve(ctx, run, p.images, pageID)
			if err != nil {
				return err
			}
			texts, err := graph.Resolve(ctx, run, p.texts, pageID)
			if err != nil {
				return err
			}

			out, err := p.sectionPage(ctx, run.Label, pageID, images, texts)
			if err != nil {
				return err
			}
			if _, err := p.store.PutNext(run.Label, NodePageSectioning, pageID, out); err != nil {
				return err
			}
			emit.Progressf("found %d sections", len(out.Sections))
			emit.Emit(out)
			return nil
		},
	}
}

// pagePart is a part offered to the sectioning model.
type pagePart struct {
	part  Part
	image []byte
	mime  string
}

func (p *Pipeline) sectionPage(ctx context.Context, label, pageID string, images ImageClassification, texts TextClassification) (PageSectioning, error) {
	cfg, err := p.bookConfig(label)
	if err != nil {
		return PageSectioning{}, err
	}
	parts, err := p.offeredParts(label, images, texts)
	if err != nil {
		return PageSectioning{}, err
	}
	if len(parts) == 0 {
		return PageSectioning{Reasoning: "page has no parts", Sections: []Section{}}, nil
	}

	stage, err := p.stage(cfg, config.StagePageSectioning)
	if err != nil {
		return PageSectioning{}, err
	}
	system, err := p.prompts.Render(label, stage.Prompt, vocabulary(cfg))
	if err != nil {
		return PageSectioning{}, err
	}

	known := make(map[string]Part, len(parts))
	msg := llm.Message{Role: llm.RoleUser, Content: describeParts(pageID, parts)}
	for _, pp := range parts {
		known[pp.part.ID] = pp.part
		if pp.image != nil {
			msg.Images = append(msg.Images, llm.Image{Data: pp.image, MIME: pp.mime})
		}
	}

	res, err := p.gen.Generate(ctx, llm.Call{
		Label:      label,
		Task:       NodePageSectioning,
		ItemID:     pageID,
		Model:      stage.Model,
		System:     system,
		Messages:   []llm.Message{msg},
		Schema:     pageSectioningSchema(cfg),
		Validate:   func(obj json.RawMessage) []string { return validateSectioning(obj, known) },
		MaxRetries: stage.MaxRetries,
	})
	if err != nil {
		return PageSectioning{}, err
	}

	var raw pageSectioningOutput
	if err := json.Unmarshal(res.Object, &raw); err != nil {
		return PageSectioning{}, fmt.Errorf("decoding page sectioning: %w", err)
	}

	out := PageSectioning{Reasoning: raw.Reasoning, Sections: make([]Section, 0, len(raw.Sections))}
	for i, s := range raw.Sections {
		sec := Section{
			SectionID:       sectionID(pageID, i+1),
			SectionType:     s.SectionType,
			BackgroundColor: s.BackgroundColor,
			TextColor:       s.TextColor,
			PartIDs:         s.PartIDs,
			Parts:           make([]Part, 0, len(s.PartIDs)),
			IsPruned:        cfg.IsPrunedSection(s.SectionType),
		}
		for _, id := range s.PartIDs {
			sec.Parts = append(sec.Parts, known[id])
		}
		out.Sections = append(out.Sections, sec)
	}
	return out, nil
}

// offeredParts lists every text group and the unpruned images of a page.
func (p *Pipeline) offeredParts(label string, images ImageClassification, texts TextClassification) ([]pagePart, error) {
	parts := make([]pagePart, 0, len(texts.Groups)+len(images.Images))
	for _, g := range texts.Groups {
		parts = append(parts, pagePart{part: Part{
			Type:      PartGroup,
			ID:        g.GroupID,
			GroupType: g.GroupType,
			Texts:     g.Texts,
			IsPruned:  g.Pruned(),
		}})
	}

	b, err := p.store.Book(label)
	if err != nil {
		return nil, err
	}
	for _, img := range images.Images {
		if img.IsPruned {
			continue
		}
		stored, err := b.GetImage(img.ImageID)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", img.ImageID, err)
		}
		parts = append(parts, pagePart{
			part:  Part{Type: PartImage, ID: img.ImageID, Width: img.Width, Height: img.Height},
			image: stored.Data,
			mime:  stored.MIME,
		})
	}
	return parts, nil
}

func describeParts(pageID string, parts []pagePart) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page %s has these parts.\n", pageID)
	for _, pp := range parts {
		part := pp.part
		switch part.Type {
		case PartGroup:
			fmt.Fprintf(&b, "\n[%s] text group (%s)\n", part.ID, part.GroupType)
			for _, t := range part.Texts {
				fmt.Fprintf(&b, "  %s: %s\n", t.TextType, oneLine(t.Text))
			}
		case PartImage:
			fmt.Fprintf(&b, "\n[%s] image %dx%d\n", part.ID, part.Width, part.Height)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// validateSectioning requires every part id to be one that was offered and
// used at most once.
func validateSectioning(obj json.RawMessage, known map[string]Part) []string {
	var out pageSectioningOutput
	if err := json.Unmarshal(obj, &out); err != nil {
		return []string{fmt.Sprintf("response does not match the sectioning shape: %v", err)}
	}
	var problems []string
	used := make(map[string]int)
	for i, s := range out.Sections {
		if len(s.PartIDs) == 0 {
			problems = append(problems, fmt.Sprintf("section %d has no part_ids", i+1))
		}
		for _, id := range s.PartIDs {
			if _, ok := known[id]; !ok {
				problems = append(problems, fmt.Sprintf("section %d references unknown part %q", i+1, id))
				continue
			}
			if prev, dup := used[id]; dup {
				problems = append(problems, fmt.Sprintf("part %q is used in section %d and section %d", id, prev, i+1))
				continue
			}
			used[id] = i + 1
		}
	}
	return problems
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

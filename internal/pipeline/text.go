package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/prompt"
)

func (p *Pipeline) textClassificationNode() *graph.Node[TextClassification] {
	return &graph.Node[TextClassification]{
		Name: NodeTextClassification,
		IsComplete: func(ctx context.Context, run *graph.Run, pageID string) (TextClassification, bool, error) {
			return loadStored[TextClassification](p.store, run.Label, NodeTextClassification, pageID)
		},
		Resolve: func(ctx context.Context, run *graph.Run, pageID string, emit *graph.Emitter[TextClassification]) error {
			out, err := p.classifyText(ctx, run.Label, pageID)
			if err != nil {
				return err
			}
			if _, err := p.store.PutNext(run.Label, NodeTextClassification, pageID, out); err != nil {
				return err
			}
			emit.Progressf("classified %d text groups", len(out.Groups))
			emit.Emit(out)
			return nil
		},
	}
}

func (p *Pipeline) classifyText(ctx context.Context, label, pageID string) (TextClassification, error) {
	cfg, err := p.bookConfig(label)
	if err != nil {
		return TextClassification{}, err
	}
	book, err := p.store.Book(label)
	if err != nil {
		return TextClassification{}, err
	}
	page, err := book.GetPage(pageID)
	if err != nil {
		return TextClassification{}, fmt.Errorf("reading page %s: %w", pageID, err)
	}

	if strings.TrimSpace(page.Text) == "" {
		return TextClassification{Reasoning: "page has no text", Groups: []TextGroup{}}, nil
	}

	stage, err := p.stage(cfg, config.StageTextClassification)
	if err != nil {
		return TextClassification{}, err
	}
	system, err := p.prompts.Render(label, stage.Prompt, vocabulary(cfg))
	if err != nil {
		return TextClassification{}, err
	}

	res, err := p.gen.Generate(ctx, llm.Call{
		Label:  label,
		Task:   NodeTextClassification,
		ItemID: pageID,
		Model:  stage.Model,
		System: system,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompt.FormatPages([]prompt.PageText{{PageID: pageID, Text: page.Text}}),
		}},
		Schema:     textClassificationSchema(cfg),
		MaxRetries: stage.MaxRetries,
	})
	if err != nil {
		return TextClassification{}, err
	}

	var raw textClassificationOutput
	if err := json.Unmarshal(res.Object, &raw); err != nil {
		return TextClassification{}, fmt.Errorf("decoding text classification: %w", err)
	}
	return assignTextIDs(pageID, raw, cfg), nil
}

// assignTextIDs numbers groups and texts in reading order and resolves
// text pruning.
func assignTextIDs(pageID string, raw textClassificationOutput, cfg config.BookConfig) TextClassification {
	out := TextClassification{Reasoning: raw.Reasoning, Groups: make([]TextGroup, 0, len(raw.Groups))}
	for gi, g := range raw.Groups {
		gid := groupID(pageID, gi+1)
		group := TextGroup{GroupID: gid, GroupType: g.GroupType, Texts: make([]Text, 0, len(g.Texts))}
		for ti, t := range g.Texts {
			group.Texts = append(group.Texts, Text{
				TextID:   textID(gid, ti+1),
				TextType: t.TextType,
				Text:     t.Text,
				IsPruned: cfg.IsPrunedText(t.TextType),
			})
		}
		out.Groups = append(out.Groups, group)
	}
	return out
}

package pipeline

import (
	"sort"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/incrementventures/adt-studio-sub000/internal/config"
)

// Model output shapes. Ids are assigned after the model answers.

type textClassificationOutput struct {
	Reasoning string `json:"reasoning"`
	Groups    []struct {
		GroupType string `json:"group_type"`
		Texts     []struct {
			TextType string `json:"text_type"`
			Text     string `json:"text"`
		} `json:"texts"`
	} `json:"groups"`
}

type pageSectioningOutput struct {
	Reasoning string `json:"reasoning"`
	Sections  []struct {
		SectionType     string   `json:"section_type"`
		PartIDs         []string `json:"part_ids"`
		BackgroundColor string   `json:"background_color"`
		TextColor       string   `json:"text_color"`
	} `json:"sections"`
}

type webRenderingOutput struct {
	Reasoning string `json:"reasoning"`
	Content   string `json:"content"`
}

const hexColorPattern = `^#[0-9a-fA-F]{6}$`

func textClassificationSchema(cfg config.BookConfig) *jsonschema.Schema {
	text := object(map[string]*jsonschema.Schema{
		"text_type": enum("Type of the text block", cfg.TextTypes),
		"text":      str("The text exactly as printed"),
	}, "text_type", "text")

	group := object(map[string]*jsonschema.Schema{
		"group_type": enum("Type of the group", cfg.TextGroupTypes),
		"texts":      array(text),
	}, "group_type", "texts")

	return object(map[string]*jsonschema.Schema{
		"reasoning": str("Brief notes on how the page was read"),
		"groups":    array(group),
	}, "reasoning", "groups")
}

func pageSectioningSchema(cfg config.BookConfig) *jsonschema.Schema {
	color := str("CSS hex color such as #ffffff")
	color.Pattern = hexColorPattern

	section := object(map[string]*jsonschema.Schema{
		"section_type":     enum("Type of the section", cfg.SectionTypes),
		"part_ids":         array(str("Id of a text group or image")),
		"background_color": color,
		"text_color":       color,
	}, "section_type", "part_ids", "background_color", "text_color")

	return object(map[string]*jsonschema.Schema{
		"reasoning": str("Brief notes on the page layout"),
		"sections":  array(section),
	}, "reasoning", "sections")
}

func webRenderingSchema() *jsonschema.Schema {
	return object(map[string]*jsonschema.Schema{
		"reasoning": str("Brief notes on the markup chosen"),
		"content":   str("The section as a single HTML <section> element"),
	}, "reasoning", "content")
}

func metadataSchema() *jsonschema.Schema {
	lang := str("ISO 639-1 language code, or empty")
	lang.Pattern = `^([a-z]{2})?$`

	return object(map[string]*jsonschema.Schema{
		"title":         str("Title of the book"),
		"authors":       array(str("Author name")),
		"publisher":     str("Publisher, or empty"),
		"language_code": lang,
		"cover_page":    str("Page id of the cover, or empty"),
		"reasoning":     str("Where each field was found"),
	}, "title", "authors", "publisher", "language_code", "cover_page", "reasoning")
}

func object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

func array(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func enum(desc string, vocab map[string]string) *jsonschema.Schema {
	names := make([]string, 0, len(vocab))
	for name := range vocab {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = n
	}
	return &jsonschema.Schema{Type: "string", Description: desc, Enum: values}
}

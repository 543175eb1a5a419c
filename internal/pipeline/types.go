package pipeline

import "fmt"

// ImageClassification is the image-classification record of a page.
type ImageClassification struct {
	Images []ClassifiedImage `json:"images"`
}

// ClassifiedImage is the filter decision for one page image.
type ClassifiedImage struct {
	ImageID  string `json:"image_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	IsPruned bool   `json:"is_pruned"`
	Reason   string `json:"reason,omitempty"`
}

// TextClassification is the text-classification record of a page.
type TextClassification struct {
	Reasoning string      `json:"reasoning"`
	Groups    []TextGroup `json:"groups"`
}

// TextGroup is a run of related text blocks.
type TextGroup struct {
	GroupID   string `json:"group_id"`
	GroupType string `json:"group_type"`
	Texts     []Text `json:"texts"`
}

// Text is one classified text block.
type Text struct {
	TextID   string `json:"text_id"`
	TextType string `json:"text_type"`
	Text     string `json:"text"`
	IsPruned bool   `json:"is_pruned"`
}

// Pruned reports whether every text of the group is pruned.
func (g TextGroup) Pruned() bool {
	for _, t := range g.Texts {
		if !t.IsPruned {
			return false
		}
	}
	return true
}

// PageSectioning is the page-sectioning record of a page.
type PageSectioning struct {
	Reasoning string    `json:"reasoning"`
	Sections  []Section `json:"sections"`
}

// Section is a region of the page rendered as one unit.
type Section struct {
	SectionID       string   `json:"section_id"`
	SectionType     string   `json:"section_type"`
	BackgroundColor string   `json:"background_color"`
	TextColor       string   `json:"text_color"`
	PartIDs         []string `json:"part_ids"`
	Parts           []Part   `json:"parts"`
	IsPruned        bool     `json:"is_pruned"`
}

// Part kinds.
const (
	PartGroup = "group"
	PartImage = "image"
)

// Part is a text group or image placed in a section, with pruning resolved.
type Part struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	GroupType string `json:"group_type,omitempty"`
	Texts     []Text `json:"texts,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	IsPruned  bool   `json:"is_pruned"`
}

// Renderable reports whether the section has anything left to render.
func (s Section) Renderable() bool {
	if s.IsPruned {
		return false
	}
	for _, p := range s.Parts {
		if !p.IsPruned {
			return true
		}
	}
	return false
}

// SectionRendering is the web-rendering record of a section. A section
// with nothing to render is stored as a null tombstone instead.
type SectionRendering struct {
	SectionID   string `json:"section_id"`
	SectionType string `json:"section_type"`
	Reasoning   string `json:"reasoning"`
	HTML        string `json:"html"`
}

// PageRendering collects the renderings of a page's unpruned sections.
type PageRendering struct {
	PageID   string            `json:"page_id"`
	Sections []RenderedSection `json:"sections"`
}

// RenderedSection is the latest rendering of one section. Rendering is nil
// for a tombstone.
type RenderedSection struct {
	SectionID string            `json:"section_id"`
	Version   int               `json:"version"`
	Rendering *SectionRendering `json:"rendering"`
}

// BookMetadata is the book-level metadata record.
type BookMetadata struct {
	Title        string   `json:"title"`
	Authors      []string `json:"authors"`
	Publisher    string   `json:"publisher"`
	LanguageCode string   `json:"language_code"`
	CoverPage    string   `json:"cover_page"`
	Reasoning    string   `json:"reasoning"`
}

func groupID(pageID string, n int) string {
	return fmt.Sprintf("%s_gp%03d", pageID, n)
}

func textID(groupID string, n int) string {
	return fmt.Sprintf("%s_tx%03d", groupID, n)
}

func sectionID(pageID string, n int) string {
	return fmt.Sprintf("%s_sec%03d", pageID, n)
}

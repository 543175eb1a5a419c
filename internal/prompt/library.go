// Package prompt renders stage system prompts from embedded templates,
// with per-book overrides, and fits page text into a token budget.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Template names.
const (
	TextClassification = "text_classification"
	PageSectioning     = "page_sectioning"
	WebRendering       = "web_rendering"
	Metadata           = "metadata"
)

// Entry is one named vocabulary item.
type Entry struct {
	Name        string
	Description string
}

// Entries converts a name->description map into entries sorted by name.
func Entries(m map[string]string) []Entry {
	out := make([]Entry, 0, len(m))
	for name, desc := range m {
		out = append(out, Entry{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Data is the template input shared by all stage prompts.
type Data struct {
	TextTypes    []Entry
	GroupTypes   []Entry
	SectionTypes []Entry
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
}

// Library renders prompt templates. A file at
// <dataDir>/<label>/prompts/<name>.tmpl replaces the embedded template for
// that book.
type Library struct {
	dataDir string
}

// NewLibrary returns a Library that looks for overrides under dataDir.
// An empty dataDir disables overrides.
func NewLibrary(dataDir string) *Library {
	return &Library{dataDir: dataDir}
}

// OverridePath returns where a book's override for name lives.
func (l *Library) OverridePath(label, name string) string {
	return filepath.Join(l.dataDir, label, "prompts", name+".tmpl")
}

// Source returns the template text used for label, and whether it is an
// override.
func (l *Library) Source(label, name string) (string, bool, error) {
	if strings.ContainsAny(name, `/\`) || name == "" {
		return "", false, fmt.Errorf("invalid prompt name %q", name)
	}
	if l.dataDir != "" && label != "" {
		data, err := os.ReadFile(l.OverridePath(label, name))
		if err == nil {
			return string(data), true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", false, fmt.Errorf("reading prompt override: %w", err)
		}
	}
	data, err := embedded.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return "", false, fmt.Errorf("unknown prompt %q", name)
	}
	return string(data), false, nil
}

// Render executes the template name for label with data.
func (l *Library) Render(label, name string, data any) (string, error) {
	src, _, err := l.Source(label, name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing prompt %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the embedded template names.
func Names() []string {
	entries, _ := fs.ReadDir(embedded, "templates")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".tmpl"))
	}
	return names
}

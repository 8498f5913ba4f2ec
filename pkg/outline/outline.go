// Package outline reads course outline documents and estimates how many
// section units a content run will produce.
//
// Three document shapes are recognised, tried in this order:
//
//	grouped:   groups[].sections[]  (or chapters[].groups[].sections[])
//	chaptered: chapters[].sections[]
//	flat:      sections[]
//
// The estimate is a heuristic used to normalise progress; any document that
// cannot be read or matches no shape yields 0.
package outline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Outline is the subset of an outline document the estimator understands.
type Outline struct {
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Groups   []Group   `json:"groups,omitempty" yaml:"groups,omitempty"`
	Chapters []Chapter `json:"chapters,omitempty" yaml:"chapters,omitempty"`
	Sections []Section `json:"sections,omitempty" yaml:"sections,omitempty"`

	// Wrapped documents nest everything under a single "outline" key.
	Inner *Outline `json:"outline,omitempty" yaml:"outline,omitempty"`
}

type Chapter struct {
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Groups   []Group   `json:"groups,omitempty" yaml:"groups,omitempty"`
	Sections []Section `json:"sections,omitempty" yaml:"sections,omitempty"`
}

type Group struct {
	Title    string    `json:"title,omitempty" yaml:"title,omitempty"`
	Sections []Section `json:"sections,omitempty" yaml:"sections,omitempty"`
}

// Section is a leaf unit. Documents write sections either as plain strings or
// as objects with a title.
type Section struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

func (s *Section) UnmarshalJSON(data []byte) error {
	var title string
	if err := json.Unmarshal(data, &title); err == nil {
		s.Title = title
		return nil
	}
	var obj struct {
		Title string `json:"title"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Title = firstNonEmpty(obj.Title, obj.Name)
	return nil
}

func (s *Section) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Title = node.Value
		return nil
	}
	var obj struct {
		Title string `yaml:"title"`
		Name  string `yaml:"name"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	s.Title = firstNonEmpty(obj.Title, obj.Name)
	return nil
}

// Shape names the layout an outline was counted with.
type Shape string

const (
	ShapeNone      Shape = ""
	ShapeGrouped   Shape = "grouped"
	ShapeChaptered Shape = "chaptered"
	ShapeFlat      Shape = "flat"
)

// Count returns the number of sections in o and the shape that produced it.
// The selection restricts chapter-based shapes to the chosen chapters.
func (o *Outline) Count(sel Selection) (int, Shape) {
	if o == nil {
		return 0, ShapeNone
	}
	if o.Inner != nil && len(o.Groups) == 0 && len(o.Chapters) == 0 && len(o.Sections) == 0 {
		return o.Inner.Count(sel)
	}

	grouped := countGroups(o.Groups)
	for i, ch := range o.Chapters {
		if sel.Contains(i + 1) {
			grouped += countGroups(ch.Groups)
		}
	}
	if grouped > 0 {
		return grouped, ShapeGrouped
	}

	chaptered := 0
	for i, ch := range o.Chapters {
		if sel.Contains(i + 1) {
			chaptered += len(ch.Sections)
		}
	}
	if chaptered > 0 {
		return chaptered, ShapeChaptered
	}

	if len(o.Sections) > 0 {
		return len(o.Sections), ShapeFlat
	}
	return 0, ShapeNone
}

func countGroups(groups []Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Sections)
	}
	return n
}

// Parse decodes an outline document. The format is chosen by the extension
// of path; unknown extensions try YAML first, then JSON.
func Parse(data []byte, path string) (*Outline, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		o, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return o, nil
		}
		o, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return o, nil
		}
		return nil, fmt.Errorf("failed to parse outline (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Outline, error) {
	var o Outline
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("invalid JSON in outline: %w", err)
	}
	return &o, nil
}

func parseYAML(data []byte) (*Outline, error) {
	var o Outline
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("invalid YAML in outline: %w", err)
	}
	return &o, nil
}

// CountSections returns the section total of an in-memory document, or 0 if
// it cannot be parsed or matches no shape.
func CountSections(data []byte, sel Selection) int {
	o, err := Parse(data, "")
	if err != nil {
		return 0
	}
	n, _ := o.Count(sel)
	return n
}

// EstimateFile reads the outline at path and returns its section total. Any
// read or parse failure yields 0.
func EstimateFile(path string, sel Selection) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxOutlineBytes))
	if err != nil {
		return 0
	}
	o, err := Parse(data, path)
	if err != nil {
		return 0
	}
	n, _ := o.Count(sel)
	return n
}

const maxOutlineBytes = 16 << 20

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

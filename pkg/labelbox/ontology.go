package labelbox

import (
	"fmt"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// Kind selects which annotation workflow an ontology serves
type Kind string

const (
	KindBoxes Kind = "boxes"
	KindMasks Kind = "masks"
	KindClass Kind = "class"
)

// ParseKind validates a workflow name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBoxes, KindMasks, KindClass:
		return k, nil
	default:
		return "", fmt.Errorf("unknown kind %q (use boxes, masks or class)", s)
	}
}

// Option is one radio answer: label is shown to annotators, value is stable
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Classification is a radio question
type Classification struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Required     bool     `json:"required"`
	Options      []Option `json:"options"`
}

// Tool is a drawing tool with nested classifications
type Tool struct {
	Tool            string           `json:"tool"`
	Name            string           `json:"name"`
	Color           string           `json:"color,omitempty"`
	Required        bool             `json:"required"`
	Classifications []Classification `json:"classifications"`
}

// OntologySchema is the normalized ontology payload
type OntologySchema struct {
	Tools           []Tool           `json:"tools"`
	Classifications []Classification `json:"classifications"`
}

// OntologySpec names the parts of an ontology
type OntologySpec struct {
	ToolName                   string
	ToolColor                  string
	ClassificationName         string
	ClassificationInstructions string
}

// SpeciesOptions turns the species list into radio options, label =
// scientific name and value = GBIF id. Entries missing either are skipped and
// counted. Duplicate values keep the first entry.
func SpeciesOptions(species []types.Species) ([]Option, int) {
	opts := make([]Option, 0, len(species))
	seen := make(map[string]struct{}, len(species))
	skipped := 0
	for _, sp := range species {
		name := strings.TrimSpace(sp.ScientificName)
		id := strings.TrimSpace(sp.GBIFID)
		if name == "" || id == "" {
			skipped++
			continue
		}
		if _, ok := seen[id]; ok {
			skipped++
			continue
		}
		seen[id] = struct{}{}
		opts = append(opts, Option{Label: name, Value: id})
	}
	return opts, skipped
}

// BuildOntology builds the schema for kind: a rectangle or raster
// segmentation tool with a nested species radio, or a single global radio for
// whole-image classification.
func BuildOntology(kind Kind, spec OntologySpec, options []Option) (OntologySchema, error) {
	if len(options) == 0 {
		return OntologySchema{}, fmt.Errorf("ontology needs at least one species option")
	}
	radio := Classification{
		Type:         "radio",
		Name:         spec.ClassificationName,
		Instructions: spec.ClassificationInstructions,
		Options:      options,
	}

	schema := OntologySchema{Tools: []Tool{}, Classifications: []Classification{}}
	switch kind {
	case KindBoxes, KindMasks:
		tool := "rectangle"
		if kind == KindMasks {
			tool = "raster-segmentation"
		}
		schema.Tools = append(schema.Tools, Tool{
			Tool:            tool,
			Name:            spec.ToolName,
			Color:           spec.ToolColor,
			Classifications: []Classification{radio},
		})
	case KindClass:
		radio.Required = true
		schema.Classifications = append(schema.Classifications, radio)
	default:
		return OntologySchema{}, fmt.Errorf("unknown kind %q", kind)
	}
	return schema, nil
}

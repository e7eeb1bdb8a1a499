package labelbox

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// DataRowRef points a prediction at a data row
type DataRowRef struct {
	GlobalKey string `json:"globalKey"`
}

// Answer is a radio answer with its confidence
type Answer struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// RadioPrediction is a radio classification, nested or global
type RadioPrediction struct {
	UUID    string      `json:"uuid,omitempty"`
	Name    string      `json:"name"`
	Answer  Answer      `json:"answer"`
	DataRow *DataRowRef `json:"dataRow,omitempty"`
}

// BBox is a pixel rectangle
type BBox struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// MaskRef locates a composite mask and the colour of one instance in it
type MaskRef struct {
	InstanceURI string `json:"instanceURI,omitempty"`
	PNG         string `json:"png,omitempty"`
	ColorRGB    []int  `json:"colorRGB"`
}

// ObjectPrediction is a box or mask with a nested species radio
type ObjectPrediction struct {
	UUID            string            `json:"uuid"`
	Name            string            `json:"name"`
	Confidence      float64           `json:"confidence"`
	BBox            *BBox             `json:"bbox,omitempty"`
	Mask            *MaskRef          `json:"mask,omitempty"`
	Classifications []RadioPrediction `json:"classifications"`
	DataRow         DataRowRef        `json:"dataRow"`
}

// Builder produces prediction rows for one ontology
type Builder struct {
	ToolName       string
	Classification string
	newID          func() string
}

// NewBuilder creates a builder. classification is the radio name annotations
// are matched by.
func NewBuilder(toolName, classification string) *Builder {
	return &Builder{
		ToolName:       toolName,
		Classification: classification,
		newID:          func() string { return uuid.NewString() },
	}
}

func (b *Builder) radio(species string, conf float64) RadioPrediction {
	return RadioPrediction{Name: b.Classification, Answer: Answer{Name: species, Confidence: conf}}
}

// Box builds a bounding box prediction for the best tile of a species
func (b *Builder) Box(globalKey string, best types.SpeciesBest) ObjectPrediction {
	conf := best.Confidence()
	return ObjectPrediction{
		UUID:       b.newID(),
		Name:       b.ToolName,
		Confidence: conf,
		BBox: &BBox{
			Top:    best.Box.Top,
			Left:   best.Box.Left,
			Height: best.Box.Height,
			Width:  best.Box.Width,
		},
		Classifications: []RadioPrediction{b.radio(best.Detection.SpeciesName, conf)},
		DataRow:         DataRowRef{GlobalKey: globalKey},
	}
}

// Mask builds a mask prediction that selects col out of the composite mask.
// The mask is referenced by URL when maskURL is set, inlined as PNG otherwise.
func (b *Builder) Mask(globalKey string, best types.SpeciesBest, col types.RGB, maskURL string, maskPNG []byte) ObjectPrediction {
	conf := best.Confidence()
	ref := &MaskRef{ColorRGB: col.Slice()}
	if maskURL != "" {
		ref.InstanceURI = maskURL
	} else {
		ref.PNG = base64.StdEncoding.EncodeToString(maskPNG)
	}
	return ObjectPrediction{
		UUID:            b.newID(),
		Name:            b.ToolName,
		Confidence:      conf,
		Mask:            ref,
		Classifications: []RadioPrediction{b.radio(best.Detection.SpeciesName, conf)},
		DataRow:         DataRowRef{GlobalKey: globalKey},
	}
}

// Class builds a global whole-image radio prediction
func (b *Builder) Class(globalKey, species string, conf float64) RadioPrediction {
	r := b.radio(species, conf)
	r.UUID = b.newID()
	r.DataRow = &DataRowRef{GlobalKey: globalKey}
	return r
}

// NDJSON encodes predictions one JSON object per line
func NDJSON[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

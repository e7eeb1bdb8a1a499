package types

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidGeometry is returned for tiles or boxes that fall outside the image
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrUnknownSpeciesKey is returned for detections with neither a taxon ID nor a name
	ErrUnknownSpeciesKey = errors.New("detection has no taxon id and no species name")
)

// Point is a pixel coordinate in the source image
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BoundingBox is an axis-aligned pixel box clamped to the image bounds
type BoundingBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Right returns the exclusive right edge
func (b BoundingBox) Right() int { return b.Left + b.Width }

// Bottom returns the exclusive bottom edge
func (b BoundingBox) Bottom() int { return b.Top + b.Height }

// Area returns the box area in pixels
func (b BoundingBox) Area() int { return b.Width * b.Height }

// Detection is one species identification for one tile
type Detection struct {
	SpeciesName string  `json:"species_name"`
	TaxonID     string  `json:"taxon_id"`
	Family      string  `json:"family,omitempty"`
	Genus       string  `json:"genus,omitempty"`
	Confidence  float64 `json:"confidence"`
	Organ       string  `json:"organ,omitempty"`
	TileCenter  Point   `json:"tile_center"`
	TileSize    int     `json:"tile_size"`
}

// SpeciesKey returns the canonical grouping key: the taxon ID when present,
// otherwise the trimmed species name.
func (d Detection) SpeciesKey() (string, error) {
	if id := strings.TrimSpace(d.TaxonID); id != "" {
		return id, nil
	}
	if name := strings.TrimSpace(d.SpeciesName); name != "" {
		return name, nil
	}
	return "", ErrUnknownSpeciesKey
}

// SpeciesBest is the highest-confidence detection of one species in one image
type SpeciesBest struct {
	Key       string      `json:"key"`
	Detection Detection   `json:"detection"`
	Box       BoundingBox `json:"box"`
}

// Confidence is a shortcut for the underlying detection confidence
func (s SpeciesBest) Confidence() float64 { return s.Detection.Confidence }

// RGB is an 8-bit colour triple
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Background is the colour of unpainted mask pixels
var Background = RGB{}

// IsBackground reports whether the colour equals the mask background
func (c RGB) IsBackground() bool { return c == Background }

// Slice returns the colour as [r, g, b], the layout used in JSON summaries
func (c RGB) Slice() []int { return []int{int(c.R), int(c.G), int(c.B)} }

// TileRecord is one tile of a species as returned by the survey endpoint,
// together with its clamped pixel box.
type TileRecord struct {
	CenterX   int     `json:"center_x"`
	CenterY   int     `json:"center_y"`
	TileSize  int     `json:"tile_size"`
	BoxLeft   int     `json:"box_left"`
	BoxTop    int     `json:"box_top"`
	BoxWidth  int     `json:"box_width"`
	BoxHeight int     `json:"box_height"`
	Score     float64 `json:"score"`
	Organ     string  `json:"organ"`
}

// Box returns the stored box of the tile
func (t TileRecord) Box() BoundingBox {
	return BoundingBox{Left: t.BoxLeft, Top: t.BoxTop, Width: t.BoxWidth, Height: t.BoxHeight}
}

// SpeciesRecord groups the tiles of one species in a survey result
type SpeciesRecord struct {
	ScientificName       string       `json:"scientific_name"`
	ScientificNameAuthor string       `json:"scientific_name_author"`
	Family               string       `json:"family"`
	Genus                string       `json:"genus"`
	GBIFID               string       `json:"gbif_id"`
	Coverage             float64      `json:"coverage"`
	MaxScore             float64      `json:"max_score"`
	Count                int          `json:"count"`
	Tiles                []TileRecord `json:"tiles"`
}

// ImagePrediction is the per-image survey record persisted in multi_predictions.json
type ImagePrediction struct {
	Image                string          `json:"image"`
	Width                int             `json:"width"`
	Height               int             `json:"height"`
	EstimatedCost        string          `json:"estimated_cost"`
	NbSubQueries         int             `json:"nb_sub_queries"`
	NbMatchingSubQueries int             `json:"nb_matching_sub_queries"`
	Uncovered            float64         `json:"uncovered"`
	Species              []SpeciesRecord `json:"species"`
}

// Detections flattens the species records into per-tile detections
func (p ImagePrediction) Detections() []Detection {
	var out []Detection
	for _, sp := range p.Species {
		for _, t := range sp.Tiles {
			out = append(out, Detection{
				SpeciesName: strings.TrimSpace(sp.ScientificName),
				TaxonID:     strings.TrimSpace(sp.GBIFID),
				Family:      sp.Family,
				Genus:       sp.Genus,
				Confidence:  t.Score,
				Organ:       t.Organ,
				TileCenter:  Point{X: t.CenterX, Y: t.CenterY},
				TileSize:    t.TileSize,
			})
		}
	}
	return out
}

// SingleResult is one ranked answer of the single-species identify endpoint
type SingleResult struct {
	Score                float64 `json:"score"`
	ScientificName       string  `json:"scientific_name"`
	ScientificNameAuthor string  `json:"scientific_name_author"`
	Family               string  `json:"family"`
	Genus                string  `json:"genus"`
	GBIFID               string  `json:"gbif_id"`
	POWOID               string  `json:"powo_id"`
}

// SinglePrediction is the per-image record persisted in single_predictions.json
type SinglePrediction struct {
	Image     string         `json:"image"`
	BestMatch string         `json:"best_match"`
	Results   []SingleResult `json:"results"`
}

// Species is one taxon of the identification project
type Species struct {
	ScientificName string `json:"scientific_name"`
	Author         string `json:"author"`
	GBIFID         string `json:"gbif_id"`
	PlantNetID     string `json:"plantnet_id"`
	IUCNCategory   string `json:"iucn_category"`
	CommonNames    string `json:"common_names"`
}

// TileIdentification is what a vision model reports for a single tile crop
type TileIdentification struct {
	Species    string  `json:"species"`
	TaxonID    string  `json:"taxon_id"`
	Family     string  `json:"family"`
	Genus      string  `json:"genus"`
	Confidence float64 `json:"confidence"`
	Organ      string  `json:"organ"`
}

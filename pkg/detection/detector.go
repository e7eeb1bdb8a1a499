package detection

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/client"
	"github.com/menta2k/tree-annotator/pkg/cropper"
	"github.com/menta2k/tree-annotator/pkg/processing"
	"github.com/menta2k/tree-annotator/pkg/tiling"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the dominant tree species of one aerial tile
const DefaultPrompt = `You are a tropical forest botanist looking at one tile of a drone photo taken above the canopy.

Return JSON only:
{
  "species": "scientific name without author",
  "taxon_id": "GBIF id if known, else empty",
  "family": "string",
  "confidence": 0.0,
  "organ": "leaf | flower | fruit | bark | habit"
}

HARD RULES
- Name the single tree species covering most of the tile.
- confidence is in [0,1].
- If no tree crown is visible or you cannot tell, return {"species":"none","confidence":0.0}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Options controls a local survey
type Options struct {
	Model      string
	TileSize   int
	Stride     int
	MinScore   float64
	MaxDim     int
	Quality    int
	Prompt     string
	CropConfig cropper.CropConfig
}

// DefaultOptions mirror the remote survey defaults
func DefaultOptions(model string) Options {
	return Options{
		Model:    model,
		TileSize: tiling.DefaultTileSize,
		MinScore: 0.05,
		MaxDim:   448,
		Quality:  90,
		Prompt:   DefaultPrompt,
		CropConfig: cropper.CropConfig{
			TargetSize:  448,
			MinCoverage: 0.25,
		},
	}
}

// Surveyor identifies species tile by tile with a local vision model and
// produces the same per-image record as the remote survey endpoint.
type Surveyor struct {
	client     client.VisionClient
	processor  *processing.Processor
	opts       Options
	candidates map[string]types.Species
}

// NewSurveyor creates a surveyor over a vision client
func NewSurveyor(c client.VisionClient, opts Options) *Surveyor {
	if opts.TileSize <= 0 {
		opts.TileSize = tiling.DefaultTileSize
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	return &Surveyor{
		client:    c,
		processor: processing.NewProcessor(),
		opts:      opts,
	}
}

// SetCandidates restricts answers to the project's species list. Names are
// matched case-insensitively and fill in missing taxon IDs.
func (s *Surveyor) SetCandidates(species []types.Species) {
	s.candidates = make(map[string]types.Species, len(species))
	for _, sp := range species {
		name := strings.ToLower(strings.TrimSpace(sp.ScientificName))
		if name != "" {
			s.candidates[name] = sp
		}
	}
}

// TestVision checks that the model can see an image at all
func (s *Surveyor) TestVision(ctx context.Context, imageB64 string) (string, error) {
	return s.client.SimpleQuery(ctx, s.opts.Model, SimpleTestPrompt, imageB64)
}

// Survey tiles img, identifies every tile and groups the answers by species
func (s *Surveyor) Survey(ctx context.Context, name string, img image.Image) (*types.ImagePrediction, error) {
	b := img.Bounds()
	grid, err := tiling.NewGrid(b.Dx(), b.Dy(), s.opts.TileSize, s.opts.Stride)
	if err != nil {
		return nil, err
	}
	crops, err := cropper.NewWithConfig(s.opts.CropConfig).CropGrid(img, grid)
	if err != nil {
		return nil, err
	}

	pred := &types.ImagePrediction{
		Image:         name,
		Width:         b.Dx(),
		Height:        b.Dy(),
		EstimatedCost: "0",
		NbSubQueries:  len(crops),
	}

	bySpecies := map[string]*types.SpeciesRecord{}
	var order []string
	failed := 0
	var lastErr error

	for _, crop := range crops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b64, err := s.processor.PrepareImageForModel(crop.Image, "jpg", s.opts.MaxDim, s.opts.Quality)
		if err != nil {
			return nil, fmt.Errorf("encode tile: %w", err)
		}
		id, err := s.client.IdentifyTile(ctx, s.opts.Model, s.prompt(), b64)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if !s.accept(id) {
			continue
		}

		rec, err := tiling.TileRecord(crop.Tile.Center.X, crop.Tile.Center.Y, crop.Tile.Size,
			grid.Width, grid.Height, id.Confidence, id.Organ)
		if err != nil {
			return nil, err
		}

		key := id.TaxonID
		if key == "" {
			key = id.Species
		}
		sr, ok := bySpecies[key]
		if !ok {
			sr = &types.SpeciesRecord{
				ScientificName: id.Species,
				Family:         id.Family,
				Genus:          id.Genus,
				GBIFID:         id.TaxonID,
			}
			bySpecies[key] = sr
			order = append(order, key)
		}
		sr.Tiles = append(sr.Tiles, rec)
		sr.Count++
		if id.Confidence > sr.MaxScore {
			sr.MaxScore = id.Confidence
		}
		pred.NbMatchingSubQueries++
	}

	if len(crops) > 0 && failed == len(crops) {
		return nil, fmt.Errorf("all %d tiles failed: %w", failed, lastErr)
	}

	for _, key := range order {
		sr := bySpecies[key]
		sr.Coverage = float64(sr.Count) / float64(len(crops))
		pred.Species = append(pred.Species, *sr)
	}
	sort.SliceStable(pred.Species, func(i, j int) bool {
		return pred.Species[i].MaxScore > pred.Species[j].MaxScore
	})
	if len(crops) > 0 {
		pred.Uncovered = 1 - float64(pred.NbMatchingSubQueries)/float64(len(crops))
	}
	return pred, nil
}

func (s *Surveyor) prompt() string {
	if len(s.candidates) == 0 {
		return s.opts.Prompt
	}
	names := make([]string, 0, len(s.candidates))
	for _, sp := range s.candidates {
		names = append(names, sp.ScientificName)
	}
	sort.Strings(names)
	return s.opts.Prompt + "\n- Answer with one of these species or \"none\": " + strings.Join(names, ", ") + "."
}

// accept fills the taxon ID from the candidate list and filters answers the
// survey cannot use.
func (s *Surveyor) accept(id *types.TileIdentification) bool {
	if id == nil || strings.EqualFold(id.Species, "none") || id.Species == "" {
		return false
	}
	if id.Confidence < s.opts.MinScore {
		return false
	}
	if s.candidates == nil {
		return true
	}
	sp, ok := s.candidates[strings.ToLower(id.Species)]
	if !ok {
		return false
	}
	id.Species = sp.ScientificName
	if id.TaxonID == "" {
		id.TaxonID = sp.GBIFID
	}
	return true
}

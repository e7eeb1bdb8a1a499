package plantnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/tiling"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// SurveyResponse is the decoded survey/tiles payload
type SurveyResponse struct {
	Results struct {
		Species              []SurveySpecies `json:"species"`
		NbSubQueries         int             `json:"nb_sub_queries"`
		NbMatchingSubQueries int             `json:"nb_matching_sub_queries"`
		Uncovered            float64         `json:"uncovered"`
	} `json:"results"`
}

// SurveySpecies is one species found by a survey
type SurveySpecies struct {
	Binomial string           `json:"binomial"`
	Name     string           `json:"name"`
	Family   string           `json:"family"`
	Genus    string           `json:"genus"`
	GBIFID   flexString       `json:"gbif_id"`
	Coverage float64          `json:"coverage"`
	MaxScore float64          `json:"max_score"`
	Count    int              `json:"count"`
	Location []SurveyLocation `json:"location"`
}

// SurveyLocation is one tile where a species was found
type SurveyLocation struct {
	Center struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"center"`
	Size  int     `json:"size"`
	Score float64 `json:"score"`
	Organ string  `json:"organ"`
}

type costResponse struct {
	EstimatedCost json.RawMessage `json:"estimated_cost"`
}

// EstimateSurveyCost asks for the credit cost of surveying a width x height
// image. The cost is returned as the API formats it.
func (c *Client) EstimateSurveyCost(ctx context.Context, width, height int, p SurveyParams) (string, error) {
	form := url.Values{}
	form.Set("size", fmt.Sprintf("%dx%d", width, height))
	form.Set("tile_size", strconv.Itoa(p.TileSize))
	form.Set("tile_stride", strconv.Itoa(p.TileStride))
	form.Set("multi_scale", strconv.FormatBool(p.MultiScale))

	u := c.endpoint("/v2/cost/survey/"+url.PathEscape(c.project), nil)
	body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var cr costResponse
	if err := json.Unmarshal(body, &cr); err != nil || len(cr.EstimatedCost) == 0 {
		return "", fmt.Errorf("%w: cost payload %s", ErrUnexpectedResponse, truncate(body, 200))
	}
	var s string
	if err := json.Unmarshal(cr.EstimatedCost, &s); err == nil {
		return s, nil
	}
	return string(cr.EstimatedCost), nil
}

// SurveyTiles uploads one image to the survey endpoint. The raw body is
// returned alongside the decoded response so callers can archive it.
func (c *Client) SurveyTiles(ctx context.Context, imagePath string, p SurveyParams) (*SurveyResponse, []byte, error) {
	fields := [][2]string{
		{"tile_size", strconv.Itoa(p.TileSize)},
		{"tile_stride", strconv.Itoa(p.TileStride)},
		{"multi_scale", strconv.FormatBool(p.MultiScale)},
		{"min_score", strconv.FormatFloat(p.MinScore, 'f', -1, 64)},
		{"max_rank", strconv.Itoa(p.MaxRank)},
		{"show_species", strconv.FormatBool(p.ShowSpecies)},
		{"show_genus", strconv.FormatBool(p.ShowGenus)},
		{"show_family", strconv.FormatBool(p.ShowFamily)},
	}

	u := c.endpoint("/v2/survey/tiles/"+url.PathEscape(c.project), nil)
	body, err := c.do(ctx, func() (*http.Request, error) {
		buf, ctype, err := multipartBody("image", imagePath, fields)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, u, buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ctype)
		return req, nil
	})
	if err != nil {
		return nil, nil, err
	}

	var sr SurveyResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return &sr, body, nil
}

// ToPrediction converts a survey response into the persisted per-image
// record. Tiles whose centre lies outside the image are skipped and counted.
func (r *SurveyResponse) ToPrediction(image string, width, height int, cost string, defaultTile int) (types.ImagePrediction, int) {
	pred := types.ImagePrediction{
		Image:                image,
		Width:                width,
		Height:               height,
		EstimatedCost:        cost,
		NbSubQueries:         r.Results.NbSubQueries,
		NbMatchingSubQueries: r.Results.NbMatchingSubQueries,
		Uncovered:            r.Results.Uncovered,
		Species:              make([]types.SpeciesRecord, 0, len(r.Results.Species)),
	}

	skipped := 0
	for _, sp := range r.Results.Species {
		rec := types.SpeciesRecord{
			ScientificName:       sp.Binomial,
			ScientificNameAuthor: sp.Name,
			Family:               sp.Family,
			Genus:                sp.Genus,
			GBIFID:               string(sp.GBIFID),
			Coverage:             sp.Coverage,
			MaxScore:             sp.MaxScore,
			Count:                sp.Count,
			Tiles:                make([]types.TileRecord, 0, len(sp.Location)),
		}
		for _, loc := range sp.Location {
			size := loc.Size
			if size == 0 {
				size = defaultTile
			}
			t, err := tiling.TileRecord(loc.Center.X, loc.Center.Y, size, width, height, loc.Score, loc.Organ)
			if err != nil {
				skipped++
				continue
			}
			rec.Tiles = append(rec.Tiles, t)
		}
		pred.Species = append(pred.Species, rec)
	}
	return pred, skipped
}

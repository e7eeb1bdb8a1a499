package plantnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/types"
)

type taxon struct {
	ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
}

// IdentifyResponse is the decoded identify payload
type IdentifyResponse struct {
	BestMatch string `json:"bestMatch"`
	Results   []struct {
		Score   float64 `json:"score"`
		Species struct {
			ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
			ScientificName              string `json:"scientificName"`
			Family                      taxon  `json:"family"`
			Genus                       taxon  `json:"genus"`
		} `json:"species"`
		GBIF struct {
			ID flexString `json:"id"`
		} `json:"gbif"`
		POWO struct {
			ID flexString `json:"id"`
		} `json:"powo"`
	} `json:"results"`
	RemainingIdentificationRequests *int `json:"remainingIdentificationRequests"`
}

// Identify runs single-species identification on one image
func (c *Client) Identify(ctx context.Context, imagePath string, p SingleParams) (*IdentifyResponse, []byte, error) {
	q := url.Values{}
	q.Set("nb-results", strconv.Itoa(p.NbResults))
	q.Set("no-reject", strconv.FormatBool(p.NoReject))
	q.Set("include-related-images", strconv.FormatBool(p.IncludeRelatedImages))
	if p.Lang != "" {
		q.Set("lang", p.Lang)
	}
	organs := p.Organs
	if organs == "" {
		organs = "auto"
	}

	u := c.endpoint("/v2/identify/"+url.PathEscape(c.project), q)
	body, err := c.do(ctx, func() (*http.Request, error) {
		buf, ctype, err := multipartBody("images", imagePath, [][2]string{{"organs", organs}})
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

	var ir IdentifyResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return &ir, body, nil
}

// ToPrediction converts the response into the persisted per-image record
func (r *IdentifyResponse) ToPrediction(image string) types.SinglePrediction {
	best := r.BestMatch
	if best == "" {
		best = "Unknown"
	}
	out := types.SinglePrediction{Image: image, BestMatch: best, Results: make([]types.SingleResult, 0, len(r.Results))}
	for _, res := range r.Results {
		out.Results = append(out.Results, types.SingleResult{
			Score:                res.Score,
			ScientificName:       strings.TrimSpace(res.Species.ScientificNameWithoutAuthor),
			ScientificNameAuthor: res.Species.ScientificName,
			Family:               res.Species.Family.ScientificNameWithoutAuthor,
			Genus:                res.Species.Genus.ScientificNameWithoutAuthor,
			GBIFID:               string(res.GBIF.ID),
			POWOID:               string(res.POWO.ID),
		})
	}
	return out
}

// Remaining returns the remaining request quota, or -1 when not reported
func (r *IdentifyResponse) Remaining() int {
	if r.RemainingIdentificationRequests == nil {
		return -1
	}
	return *r.RemainingIdentificationRequests
}

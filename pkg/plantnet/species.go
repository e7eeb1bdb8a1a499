package plantnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// flexString decodes a JSON string or number (ids come back as either)
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type speciesEntry struct {
	ScientificNameWithoutAuthor string     `json:"scientificNameWithoutAuthor"`
	ScientificNameAuthorship    string     `json:"scientificNameAuthorship"`
	GBIFID                      flexString `json:"gbifId"`
	ID                          flexString `json:"id"`
	IUCNCategory                string     `json:"iucnCategory"`
	CommonNames                 []string   `json:"commonNames"`
}

// SpeciesList is the full species list of a project
type SpeciesList struct {
	// Raw keeps every entry exactly as returned
	Raw     []json.RawMessage
	Species []types.Species
}

// WithGBIF counts species that carry a GBIF id
func (l *SpeciesList) WithGBIF() int {
	n := 0
	for _, s := range l.Species {
		if s.GBIFID != "" {
			n++
		}
	}
	return n
}

// FetchSpecies pages through the project species list until a page comes back
// shorter than pageSize. Species are sorted by scientific name.
func (c *Client) FetchSpecies(ctx context.Context, pageSize int, lang string) (*SpeciesList, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	if lang == "" {
		lang = "en"
	}

	list := &SpeciesList{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("lang", lang)
		q.Set("pageSize", strconv.Itoa(pageSize))
		q.Set("page", strconv.Itoa(page))
		u := c.endpoint("/v2/projects/"+url.PathEscape(c.project)+"/species", q)

		body, err := c.do(ctx, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, u, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch species page %d: %w", page, err)
		}

		entries, err := decodeSpeciesPage(body)
		if err != nil {
			return nil, fmt.Errorf("species page %d: %w", page, err)
		}
		for _, raw := range entries {
			var e speciesEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("%w: species entry: %v", ErrUnexpectedResponse, err)
			}
			list.Raw = append(list.Raw, raw)
			list.Species = append(list.Species, types.Species{
				ScientificName: strings.TrimSpace(e.ScientificNameWithoutAuthor),
				Author:         e.ScientificNameAuthorship,
				GBIFID:         string(e.GBIFID),
				PlantNetID:     string(e.ID),
				IUCNCategory:   e.IUCNCategory,
				CommonNames:    strings.Join(e.CommonNames, "; "),
			})
		}

		if len(entries) < pageSize {
			break
		}
	}

	sort.SliceStable(list.Species, func(i, j int) bool {
		return list.Species[i].ScientificName < list.Species[j].ScientificName
	})
	return list, nil
}

// decodeSpeciesPage accepts a bare array or an object wrapping the array under
// species, data or results.
func decodeSpeciesPage(body []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, truncate(body, 200))
	}
	for _, key := range []string{"species", "data", "results"} {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &arr); err != nil {
				return nil, fmt.Errorf("%w: %q is not a list", ErrUnexpectedResponse, key)
			}
			return arr, nil
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return nil, fmt.Errorf("%w: keys %v", ErrUnexpectedResponse, keys)
}

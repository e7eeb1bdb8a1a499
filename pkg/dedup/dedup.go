// Package dedup keeps the best detection per species for one image.
//
// Species are keyed by taxon ID, falling back to the scientific name when the
// ID is missing (see types.Detection.SpeciesKey). Detections below the
// confidence threshold are discarded; among the rest the highest confidence
// wins and ties keep the first detection seen.
package dedup

import (
	"fmt"
	"sort"

	"github.com/menta2k/tree-annotator/pkg/tiling"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// Dropped records a detection that could not take part in deduplication
type Dropped struct {
	Index     int
	Detection types.Detection
	Err       error
}

func (d Dropped) Error() string {
	return fmt.Sprintf("detection %d (%q): %v", d.Index, d.Detection.SpeciesName, d.Err)
}

func (d Dropped) Unwrap() error { return d.Err }

// Result is the deduplicated view of one image
type Result struct {
	Best    map[string]types.SpeciesBest
	Dropped []Dropped
}

// Best groups detections by species key and keeps the single highest
// confidence detection with confidence >= threshold. Image dimensions are used
// to compute each winner's clamped box; detections without a valid key or tile
// are reported in Dropped and do not abort the image.
func Best(detections []types.Detection, threshold float64, width, height int) Result {
	res := Result{Best: make(map[string]types.SpeciesBest)}

	for i, d := range detections {
		key, err := d.SpeciesKey()
		if err != nil {
			res.Dropped = append(res.Dropped, Dropped{Index: i, Detection: d, Err: err})
			continue
		}
		if d.Confidence < threshold {
			continue
		}
		box, err := tiling.ToBox(d.TileCenter.X, d.TileCenter.Y, d.TileSize, width, height)
		if err != nil {
			res.Dropped = append(res.Dropped, Dropped{Index: i, Detection: d, Err: err})
			continue
		}
		if cur, ok := res.Best[key]; ok && d.Confidence <= cur.Detection.Confidence {
			continue
		}
		res.Best[key] = types.SpeciesBest{Key: key, Detection: d, Box: box}
	}

	return res
}

// Sorted returns the entries ascending by confidence; equal confidences are
// ordered by species key so repeated runs paint in the same order.
func Sorted(best map[string]types.SpeciesBest) []types.SpeciesBest {
	out := make([]types.SpeciesBest, 0, len(best))
	for _, b := range best {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Detection.Confidence != out[j].Detection.Confidence {
			return out[i].Detection.Confidence < out[j].Detection.Confidence
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Keys returns the species keys in ascending order
func Keys(best map[string]types.SpeciesBest) []string {
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

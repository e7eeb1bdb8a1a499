package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/tree-annotator/pkg/types"
)

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// noSpecies is returned whenever the model answer cannot be used. A zero
// confidence never clears a survey threshold so the tile yields no detection.
func noSpecies() *types.TileIdentification {
	return &types.TileIdentification{Species: "none"}
}

// ParseTileIdentification decodes a model answer into a tile identification.
// Malformed answers fall back to an empty identification instead of an error.
func ParseTileIdentification(raw string) *types.TileIdentification {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return noSpecies()
	}

	var result types.TileIdentification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return noSpecies()
	}

	result.Species = strings.TrimSpace(result.Species)
	result.TaxonID = strings.TrimSpace(result.TaxonID)
	result.Organ = strings.ToLower(strings.TrimSpace(result.Organ))
	if result.Species == "" || strings.EqualFold(result.Species, "none") || strings.EqualFold(result.Species, "unknown") {
		return noSpecies()
	}

	// percentages are common in free-form model output
	if result.Confidence > 1 && result.Confidence <= 100 {
		result.Confidence /= 100
	}
	result.Confidence = clamp(result.Confidence, 0, 1)

	if result.Genus == "" {
		if i := strings.IndexByte(result.Species, ' '); i > 0 {
			result.Genus = result.Species[:i]
		}
	}
	return &result
}

// SanitizeModelJSON removes code fences, comments and trailing commas, and
// keeps only the outermost object.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

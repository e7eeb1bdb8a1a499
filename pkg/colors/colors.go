// Package colors assigns mask colours to species.
package colors

import (
	"crypto/md5"
	"fmt"
	"image/color"
	"sort"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// Mode selects how colours are derived
type Mode string

const (
	// ModeHash derives a stable colour from the species key
	ModeHash Mode = "hash"
	// ModeEven spaces colours evenly around the hue wheel
	ModeEven Mode = "even"
)

// ParseMode converts a config string into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHash, "":
		return ModeHash, nil
	case ModeEven:
		return ModeEven, nil
	default:
		return "", fmt.Errorf("unknown color mode %q (use hash or even)", s)
	}
}

// Assignment maps a species key to its colour
type Assignment map[string]types.RGB

// Assign colours every key with the requested mode. Even mode spaces hues in
// the order the keys are given.
func Assign(keys []string, mode Mode) Assignment {
	out := make(Assignment, len(keys))
	switch mode {
	case ModeEven:
		palette := Even(len(keys))
		for i, k := range keys {
			out[k] = palette[i]
		}
	default:
		for _, k := range keys {
			out[k] = Hash(k)
		}
	}
	return out
}

// Collisions lists keys that share a colour with an earlier key (in key
// order). Only hash mode can produce them.
func (a Assignment) Collisions() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[types.RGB]string, len(a))
	var dup []string
	for _, k := range keys {
		c := a[k]
		if _, ok := seen[c]; ok {
			dup = append(dup, k)
			continue
		}
		seen[c] = k
	}
	return dup
}

// Hash derives an RGB colour from the first three bytes of the MD5 digest of
// key. Pure black is reserved for the background and becomes (1,0,0).
func Hash(key string) types.RGB {
	sum := md5.Sum([]byte(key))
	return avoidBackground(types.RGB{R: sum[0], G: sum[1], B: sum[2]})
}

// Even returns n fully saturated, full-value colours at hues i/n
func Even(n int) []types.RGB {
	out := make([]types.RGB, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, avoidBackground(HueToRGB(float64(i)/float64(n))))
	}
	return out
}

// HueToRGB converts a hue in [0,1) at S=V=1 into RGB using the six-sector
// formula. Channel values are truncated, not rounded.
func HueToRGB(hue float64) types.RGB {
	sector := int(hue*6) % 6
	frac := hue*6 - float64(int(hue*6))
	up := uint8(255 * frac)
	down := uint8(255 * (1 - frac))

	switch sector {
	case 0:
		return types.RGB{R: 255, G: up, B: 0}
	case 1:
		return types.RGB{R: down, G: 255, B: 0}
	case 2:
		return types.RGB{R: 0, G: 255, B: up}
	case 3:
		return types.RGB{R: 0, G: down, B: 255}
	case 4:
		return types.RGB{R: up, G: 0, B: 255}
	default:
		return types.RGB{R: 255, G: 0, B: down}
	}
}

// NRGBA converts the triple into an opaque image colour
func NRGBA(c types.RGB) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// Hex formats the colour as #rrggbb, the form the labeling ontology expects
func Hex(c types.RGB) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func avoidBackground(c types.RGB) types.RGB {
	if c.IsBackground() {
		c.R = 1
	}
	return c
}

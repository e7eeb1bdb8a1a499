// Package mask paints per-species boxes onto one composite raster per image.
package mask

import (
	"fmt"
	"image"

	"github.com/menta2k/tree-annotator/pkg/colors"
	"github.com/menta2k/tree-annotator/pkg/dedup"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// LegendEntry describes one painted species
type LegendEntry struct {
	Key           string            `json:"key"`
	SpeciesName   string            `json:"species_name"`
	TaxonID       string            `json:"taxon_id"`
	Color         types.RGB         `json:"color"`
	Confidence    float64           `json:"confidence"`
	Box           types.BoundingBox `json:"box"`
	VisiblePixels int               `json:"visible_pixels"`
}

// Composite is the painted mask of one image and the order it was painted in
type Composite struct {
	Image  *image.NRGBA
	Legend []LegendEntry
}

// Compositor paints species boxes ordered low to high confidence so the most
// confident species owns overlapping pixels.
type Compositor struct {
	mode colors.Mode
}

// New creates a compositor using hash colours
func New() *Compositor {
	return &Compositor{mode: colors.ModeHash}
}

// NewWithMode creates a compositor with the given colour mode
func NewWithMode(mode colors.Mode) *Compositor {
	return &Compositor{mode: mode}
}

// Colors assigns colours to the species of one image. Even mode spaces hues
// over the keys in ascending key order.
func (c *Compositor) Colors(best map[string]types.SpeciesBest) colors.Assignment {
	return colors.Assign(dedup.Keys(best), c.mode)
}

// Compose paints best onto a width x height canvas using the colours from
// assign. Species missing from assign get their hash colour.
func (c *Compositor) Compose(width, height int, best map[string]types.SpeciesBest, assign colors.Assignment) (*Composite, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: canvas %dx%d", types.ErrInvalidGeometry, width, height)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	fill(canvas, canvas.Bounds(), types.Background)

	ordered := dedup.Sorted(best)
	legend := make([]LegendEntry, 0, len(ordered))
	for _, sb := range ordered {
		col, ok := assign[sb.Key]
		if !ok {
			col = colors.Hash(sb.Key)
		}
		rect := image.Rect(sb.Box.Left, sb.Box.Top, sb.Box.Right(), sb.Box.Bottom()).Intersect(canvas.Bounds())
		fill(canvas, rect, col)

		legend = append(legend, LegendEntry{
			Key:         sb.Key,
			SpeciesName: sb.Detection.SpeciesName,
			TaxonID:     sb.Detection.TaxonID,
			Color:       col,
			Confidence:  sb.Detection.Confidence,
			Box:         sb.Box,
		})
	}

	countVisible(canvas, legend)
	return &Composite{Image: canvas, Legend: legend}, nil
}

// ColorAt returns the colour of a mask pixel
func ColorAt(img *image.NRGBA, x, y int) types.RGB {
	i := img.PixOffset(x, y)
	return types.RGB{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2]}
}

// Binary extracts the pixels of one colour as a black/white mask, the form
// expected by per-instance mask uploads.
func Binary(img *image.NRGBA, col types.RGB) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if ColorAt(img, x, y) == col {
				out.Pix[out.PixOffset(x, y)] = 255
			}
		}
	}
	return out
}

func fill(img *image.NRGBA, r image.Rectangle, c types.RGB) {
	if r.Empty() {
		return
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := img.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Pix[i+0] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = 255
			i += 4
		}
	}
}

func countVisible(img *image.NRGBA, legend []LegendEntry) {
	for i := range legend {
		e := &legend[i]
		r := image.Rect(e.Box.Left, e.Box.Top, e.Box.Right(), e.Box.Bottom()).Intersect(img.Bounds())
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if ColorAt(img, x, y) == e.Color {
					e.VisiblePixels++
				}
			}
		}
	}
}

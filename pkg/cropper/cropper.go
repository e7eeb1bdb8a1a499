// Package cropper cuts survey tiles out of a photo for the local vision
// backends.
package cropper

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/tree-annotator/pkg/tiling"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// TileCropper crops grid tiles and scales them to the model input size
type TileCropper struct {
	config CropConfig
}

// CropConfig holds configuration for tile cropping
type CropConfig struct {
	// TargetSize is the side of the square crop sent to the model; 0 keeps
	// the native tile resolution.
	TargetSize int
	// MinCoverage skips edge tiles whose clamped box covers less than this
	// fraction of a full tile.
	MinCoverage    float64
	AllowUpscaling bool
}

// CropResult is one cropped tile
type CropResult struct {
	Tile     tiling.Tile
	Box      types.BoundingBox
	Image    image.Image
	Coverage float64
}

// New creates a TileCropper with default configuration
func New() *TileCropper {
	return &TileCropper{
		config: CropConfig{
			TargetSize:     448,
			MinCoverage:    0.25,
			AllowUpscaling: false,
		},
	}
}

// NewWithConfig creates a TileCropper with custom configuration
func NewWithConfig(config CropConfig) *TileCropper {
	return &TileCropper{config: config}
}

// Config returns the active configuration
func (c *TileCropper) Config() CropConfig {
	return c.config
}

// CropTile crops one tile out of img. The tile box is clamped to the image
// the same way survey boxes are.
func (c *TileCropper) CropTile(img image.Image, tile tiling.Tile) (CropResult, error) {
	bounds := img.Bounds()
	box, err := tiling.ToBox(tile.Center.X, tile.Center.Y, tile.Size, bounds.Dx(), bounds.Dy())
	if err != nil {
		return CropResult{}, err
	}

	rect := image.Rect(box.Left, box.Top, box.Right(), box.Bottom()).Add(bounds.Min)
	cropped := imaging.Crop(img, rect)

	var out image.Image = cropped
	if t := c.config.TargetSize; t > 0 {
		longest := box.Width
		if box.Height > longest {
			longest = box.Height
		}
		switch {
		case longest > t:
			out = imaging.Fit(cropped, t, t, imaging.Lanczos)
		case longest < t && c.config.AllowUpscaling:
			if box.Width >= box.Height {
				out = imaging.Resize(cropped, t, 0, imaging.Lanczos)
			} else {
				out = imaging.Resize(cropped, 0, t, imaging.Lanczos)
			}
		}
	}

	return CropResult{
		Tile:     tile,
		Box:      box,
		Image:    out,
		Coverage: float64(box.Area()) / float64(tile.Size*tile.Size),
	}, nil
}

// CropGrid crops every tile of the grid, skipping tiles below MinCoverage
func (c *TileCropper) CropGrid(img image.Image, grid tiling.Grid) ([]CropResult, error) {
	b := img.Bounds()
	if b.Dx() != grid.Width || b.Dy() != grid.Height {
		return nil, fmt.Errorf("%w: grid %dx%d does not match image %dx%d",
			types.ErrInvalidGeometry, grid.Width, grid.Height, b.Dx(), b.Dy())
	}

	var results []CropResult
	for _, tile := range grid.Tiles() {
		res, err := c.CropTile(img, tile)
		if err != nil {
			return nil, fmt.Errorf("crop tile at (%d,%d): %w", tile.Center.X, tile.Center.Y, err)
		}
		if res.Coverage < c.config.MinCoverage {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Package tiling models an image as a grid of square tiles and converts a
// tile (centre + size) into a bounding box clamped to the image.
package tiling

import (
	"fmt"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// DefaultTileSize is the smallest tile the survey endpoint accepts
const DefaultTileSize = 518

// Tile is a square region of the image identified by its centre
type Tile struct {
	Center types.Point
	Size   int
}

// Grid describes the tiling of one image
type Grid struct {
	Width  int
	Height int
	Size   int
	Stride int
}

// NewGrid validates the tiling parameters. A stride of 0 means stride == size
// (non-overlapping grid).
func NewGrid(width, height, size, stride int) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("%w: image %dx%d", types.ErrInvalidGeometry, width, height)
	}
	if size <= 0 {
		return Grid{}, fmt.Errorf("%w: tile size %d", types.ErrInvalidGeometry, size)
	}
	if stride == 0 {
		stride = size
	}
	if stride < 0 {
		return Grid{}, fmt.Errorf("%w: tile stride %d", types.ErrInvalidGeometry, stride)
	}
	return Grid{Width: width, Height: height, Size: size, Stride: stride}, nil
}

// Tiles enumerates the tiles row by row. The first centre sits at size/2 and a
// new tile starts while its left/top edge is still inside the image. Centres of
// the last row/column are pulled back inside the image so every tile converts
// to a valid box.
func (g Grid) Tiles() []Tile {
	half := g.Size / 2
	var tiles []Tile
	for y := half; y-half < g.Height; y += g.Stride {
		for x := half; x-half < g.Width; x += g.Stride {
			tiles = append(tiles, Tile{
				Center: types.Point{X: minInt(x, g.Width-1), Y: minInt(y, g.Height-1)},
				Size:   g.Size,
			})
		}
	}
	return tiles
}

// Count returns the number of tiles without allocating them
func (g Grid) Count() int {
	half := g.Size / 2
	cols, rows := 0, 0
	for x := half; x-half < g.Width; x += g.Stride {
		cols++
	}
	for y := half; y-half < g.Height; y += g.Stride {
		rows++
	}
	return cols * rows
}

// Box converts the tile into a clamped bounding box for this grid's image
func (g Grid) Box(t Tile) (types.BoundingBox, error) {
	return ToBox(t.Center.X, t.Center.Y, t.Size, g.Width, g.Height)
}

// ToBox converts a tile centre and size into a box within [0,W)x[0,H).
//
//	left   = max(0, cx - t/2)
//	top    = max(0, cy - t/2)
//	width  = min(t, W - left)
//	height = min(t, H - top)
//
// t/2 truncates toward zero.
func ToBox(cx, cy, size, width, height int) (types.BoundingBox, error) {
	if width <= 0 || height <= 0 {
		return types.BoundingBox{}, fmt.Errorf("%w: image %dx%d", types.ErrInvalidGeometry, width, height)
	}
	if size <= 0 {
		return types.BoundingBox{}, fmt.Errorf("%w: tile size %d", types.ErrInvalidGeometry, size)
	}
	if cx < 0 || cx >= width || cy < 0 || cy >= height {
		return types.BoundingBox{}, fmt.Errorf("%w: tile centre (%d,%d) outside %dx%d",
			types.ErrInvalidGeometry, cx, cy, width, height)
	}

	left := maxInt(0, cx-size/2)
	top := maxInt(0, cy-size/2)

	return types.BoundingBox{
		Left:   left,
		Top:    top,
		Width:  minInt(size, width-left),
		Height: minInt(size, height-top),
	}, nil
}

// TileRecord builds the persisted tile record (centre, size, box, score) for a
// survey location.
func TileRecord(cx, cy, size, width, height int, score float64, organ string) (types.TileRecord, error) {
	box, err := ToBox(cx, cy, size, width, height)
	if err != nil {
		return types.TileRecord{}, err
	}
	return types.TileRecord{
		CenterX:   cx,
		CenterY:   cy,
		TileSize:  size,
		BoxLeft:   box.Left,
		BoxTop:    box.Top,
		BoxWidth:  box.Width,
		BoxHeight: box.Height,
		Score:     score,
		Organ:     organ,
	}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

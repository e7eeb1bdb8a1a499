// Package treeannotator turns tiled tree-species survey results into
// annotation artifacts.
//
// The pipeline behind the tree-annotator command drives Pl@ntNet and
// Labelbox. This package exposes its offline core for library use: keeping
// the best tile per species and painting one composite mask per image.
//
// Basic usage:
//
//	package main
//
//	import (
//		"log"
//
//		treeannotator "github.com/menta2k/tree-annotator"
//	)
//
//	func main() {
//		ta := treeannotator.New()
//
//		preds, err := ta.LoadPredictions("output/predictions/multi_predictions.json")
//		if err != nil {
//			log.Fatal(err)
//		}
//		for _, pred := range preds {
//			path, err := ta.ProcessPrediction(pred, "output/masks")
//			if err != nil {
//				log.Printf("%s: %v", pred.Image, err)
//				continue
//			}
//			log.Printf("wrote %s", path)
//		}
//	}
//
// The package consists of these components:
//
//  1. Tiling (pkg/tiling): survey tile grids and tile-to-box conversion
//  2. Dedup (pkg/dedup): best tile per species above a confidence threshold
//  3. Colors (pkg/colors): deterministic species colours
//  4. Mask (pkg/mask): composite mask painting, least confident first
//
// Species are keyed by their taxon id, or by name when no id is known.
package treeannotator

import (
	"fmt"
	"path/filepath"

	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/colors"
	"github.com/menta2k/tree-annotator/pkg/dedup"
	"github.com/menta2k/tree-annotator/pkg/mask"
	"github.com/menta2k/tree-annotator/pkg/processing"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// Version of the tree annotator library
const Version = "1.0.0"

// Config controls mask generation
type Config struct {
	// Threshold is the minimum tile confidence a species needs
	Threshold float64
	// ColorMode is hash or even
	ColorMode colors.Mode
	// Format is png or webp
	Format string
}

// DefaultConfig returns the settings the pipeline uses by default
func DefaultConfig() Config {
	return Config{Threshold: 0.10, ColorMode: colors.ModeHash, Format: "png"}
}

// Annotator provides a high-level interface over the mask core
type Annotator struct {
	config     Config
	processor  *processing.Processor
	compositor *mask.Compositor
}

// New creates an Annotator with default configuration
func New() *Annotator {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an Annotator with custom configuration
func NewWithConfig(cfg Config) *Annotator {
	if cfg.ColorMode == "" {
		cfg.ColorMode = colors.ModeHash
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	return &Annotator{
		config:     cfg,
		processor:  processing.NewProcessor(),
		compositor: mask.NewWithMode(cfg.ColorMode),
	}
}

// Config returns the active configuration
func (a *Annotator) Config() Config {
	return a.config
}

// MaskResult is the composite mask of one image
type MaskResult struct {
	Composite  *mask.Composite
	Dropped    []dedup.Dropped
	Collisions []string
}

// LoadPredictions reads a multi_predictions.json file
func (a *Annotator) LoadPredictions(path string) ([]types.ImagePrediction, error) {
	var preds []types.ImagePrediction
	if err := utils.ReadJSON(path, &preds); err != nil {
		return nil, err
	}
	return preds, nil
}

// BestPerSpecies keeps the most confident tile of every species at or above
// the threshold
func (a *Annotator) BestPerSpecies(pred types.ImagePrediction) dedup.Result {
	return dedup.Best(pred.Detections(), a.config.Threshold, pred.Width, pred.Height)
}

// ComposeMask paints the composite mask of one image
func (a *Annotator) ComposeMask(pred types.ImagePrediction) (*MaskResult, error) {
	res := a.BestPerSpecies(pred)
	assign := a.compositor.Colors(res.Best)
	comp, err := a.compositor.Compose(pred.Width, pred.Height, res.Best, assign)
	if err != nil {
		return nil, fmt.Errorf("compose mask for %s: %w", pred.Image, err)
	}
	return &MaskResult{Composite: comp, Dropped: res.Dropped, Collisions: assign.Collisions()}, nil
}

// EncodeMask encodes a composite in the configured format
func (a *Annotator) EncodeMask(res *MaskResult) ([]byte, error) {
	return a.processor.EncodeMask(res.Composite.Image, a.config.Format)
}

// ProcessPrediction is a convenience function that composes the mask of one
// image and saves it as <stem>_mask.<format> in outputDir
func (a *Annotator) ProcessPrediction(pred types.ImagePrediction, outputDir string) (string, error) {
	res, err := a.ComposeMask(pred)
	if err != nil {
		return "", err
	}
	if len(res.Composite.Legend) == 0 {
		return "", fmt.Errorf("%s: no species above %.2f", pred.Image, a.config.Threshold)
	}
	out := filepath.Join(outputDir, utils.Stem(pred.Image)+"_mask."+a.config.Format)
	if err := a.processor.SaveImage(res.Composite.Image, out, a.config.Format, 100, true); err != nil {
		return "", fmt.Errorf("save %s: %w", out, err)
	}
	return out, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

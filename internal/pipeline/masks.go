package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/colors"
	"github.com/menta2k/tree-annotator/pkg/dedup"
	"github.com/menta2k/tree-annotator/pkg/mask"
	"github.com/menta2k/tree-annotator/pkg/processing"
	"github.com/menta2k/tree-annotator/pkg/storage"
	"github.com/menta2k/tree-annotator/pkg/types"
)

const compositeDir = "composite_masks"

// MaskSummary is one image entry of mask_summary.json
type MaskSummary struct {
	Image       string             `json:"image"`
	Width       int                `json:"image_width"`
	Height      int                `json:"image_height"`
	MaskKey     string             `json:"mask_key"`
	MaskURL     string             `json:"mask_url,omitempty"`
	OverlayPath string             `json:"overlay_path,omitempty"`
	Species     []mask.LegendEntry `json:"species"`
	Collisions  []string           `json:"color_collisions,omitempty"`
	Dropped     []string           `json:"dropped_detections,omitempty"`
}

// builtMask is a composite mask of one image together with its encoding
type builtMask struct {
	Best      map[string]types.SpeciesBest
	Composite *mask.Composite
	Assign    colors.Assignment
	Data      []byte
	Dropped   []string
}

// composeImage deduplicates the survey tiles of one image and paints the
// composite mask. keep, when set, filters the species that take part.
func composeImage(env *Env, pred types.ImagePrediction, threshold float64, format string, keep func(types.SpeciesBest) bool) (*builtMask, error) {
	res := dedup.Best(pred.Detections(), threshold, pred.Width, pred.Height)
	var dropped []string
	for _, d := range res.Dropped {
		dropped = append(dropped, d.Error())
	}

	best := res.Best
	if keep != nil {
		best = make(map[string]types.SpeciesBest, len(res.Best))
		for k, b := range res.Best {
			if keep(b) {
				best[k] = b
			}
		}
	}

	mode, err := colors.ParseMode(env.Config.Masks.ColorMode)
	if err != nil {
		return nil, err
	}
	comp := mask.NewWithMode(mode)
	assign := comp.Colors(best)
	painted, err := comp.Compose(pred.Width, pred.Height, best, assign)
	if err != nil {
		return nil, err
	}
	data, err := env.Processor.EncodeMask(painted.Image, format)
	if err != nil {
		return nil, err
	}
	return &builtMask{Best: best, Composite: painted, Assign: assign, Data: data, Dropped: dropped}, nil
}

func maskKey(image, format string) string {
	name := utils.MaskFilename(image)
	if format == "webp" {
		name = strings.TrimSuffix(name, ".png") + ".webp"
	}
	return path.Join(compositeDir, name)
}

func contentType(format string) string {
	if format == "webp" {
		return "image/webp"
	}
	return "image/png"
}

// BuildMasks paints one composite mask per image from the survey
// predictions, stores it in the artifact store and writes mask_summary.json
// with the colour legend. Debug overlays outline the painted boxes on the
// source photo when enabled.
func BuildMasks(ctx context.Context, env *Env) (*RunSummary, error) {
	preds, err := LoadPredictions(env)
	if err != nil {
		return nil, err
	}
	cfg := env.Config
	format := cfg.Masks.Format
	sum := &RunSummary{Step: "build-masks", Output: filepath.Join(cfg.Folders.OutputMasks, "mask_summary.json")}

	summaries := make(map[string]MaskSummary, len(preds))
	for _, pred := range preds {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		built, err := composeImage(env, pred, cfg.Labelbox.ConfidenceThresholdMasks, format, nil)
		if err != nil {
			env.Log.Error("mask %s: %v", pred.Image, err)
			sum.fail(pred.Image, err)
			continue
		}
		if len(built.Best) == 0 {
			env.Log.Info("%s: no species above %.2f, skipped", pred.Image, cfg.Labelbox.ConfidenceThresholdMasks)
			sum.Skipped++
			continue
		}

		key := maskKey(pred.Image, format)
		info, err := env.Store.Put(ctx, key, bytes.NewReader(built.Data), storage.PutOptions{
			ContentType: contentType(format),
			Metadata:    map[string]string{"image": pred.Image},
		})
		if err != nil {
			env.Log.Error("store %s: %v", key, err)
			sum.fail(pred.Image, err)
			continue
		}

		ms := MaskSummary{
			Image:      pred.Image,
			Width:      pred.Width,
			Height:     pred.Height,
			MaskKey:    key,
			MaskURL:    info.URL,
			Species:    built.Composite.Legend,
			Collisions: built.Assign.Collisions(),
			Dropped:    built.Dropped,
		}
		if len(ms.Collisions) > 0 {
			env.Log.Warning("%s: species share a mask colour: %s", pred.Image, strings.Join(ms.Collisions, ", "))
		}
		if cfg.Masks.DebugOverlay {
			p, err := writeOverlay(env, pred.Image, built.Composite.Legend)
			if err != nil {
				env.Log.Warning("overlay %s: %v", pred.Image, err)
			} else {
				ms.OverlayPath = p
			}
		}
		summaries[pred.Image] = ms
		sum.Processed++

		for _, e := range built.Composite.Legend {
			env.Log.Info("  %-35s conf=%.4f color=%s pixels=%d", e.SpeciesName, e.Confidence, colors.Hex(e.Color), e.VisiblePixels)
		}
		env.Log.Info("wrote %s (%d species)", key, len(built.Composite.Legend))
	}

	if err := utils.WriteJSON(sum.Output, summaries); err != nil {
		return sum, err
	}
	env.Log.Info("wrote %s (%d masks, %d skipped, %d failed)", sum.Output, sum.Processed, sum.Skipped, len(sum.Failures))
	return sum, nil
}

func writeOverlay(env *Env, image string, legend []mask.LegendEntry) (string, error) {
	src, err := env.Processor.LoadImage(filepath.Join(env.Config.Folders.Images, image))
	if err != nil {
		return "", fmt.Errorf("load source image: %w", err)
	}
	boxes := make([]processing.OverlayBox, 0, len(legend))
	for _, e := range legend {
		boxes = append(boxes, processing.OverlayBox{Box: e.Box, Color: e.Color})
	}
	overlay := env.Processor.CreateDebugOverlay(src, boxes, env.Config.Masks.OverlayMax)
	out := filepath.Join(env.Config.Folders.OutputMasks, "overlays", utils.Stem(image)+"_overlay.jpg")
	if err := env.Processor.SaveImage(overlay, out, "jpg", 85, false); err != nil {
		return "", err
	}
	return out, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/cropper"
	"github.com/menta2k/tree-annotator/pkg/detection"
	"github.com/menta2k/tree-annotator/pkg/plantnet"
	"github.com/menta2k/tree-annotator/pkg/tiling"
	"github.com/menta2k/tree-annotator/pkg/types"
)

const (
	multiPredictionsFile  = "multi_predictions.json"
	singlePredictionsFile = "single_predictions.json"
)

// Survey backends
const (
	BackendPlantNet = "plantnet"
	BackendLocal    = "local"
)

// PredictSurvey runs the multi-species survey over every input image with
// the chosen backend and writes multi_predictions.json. A quota error stops
// the run after saving what was collected.
func PredictSurvey(ctx context.Context, env *Env, backend string) (*RunSummary, error) {
	images, err := utils.ListImageFiles(env.Config.Folders.Images)
	if err != nil {
		return nil, err
	}

	var survey func(context.Context, string) (types.ImagePrediction, error)
	switch backend {
	case BackendPlantNet, "":
		pn, err := env.plantnet()
		if err != nil {
			return nil, err
		}
		survey = func(ctx context.Context, path string) (types.ImagePrediction, error) {
			return surveyRemote(ctx, env, pn, path)
		}
	case BackendLocal:
		s, err := newLocalSurveyor(env)
		if err != nil {
			return nil, err
		}
		survey = func(ctx context.Context, path string) (types.ImagePrediction, error) {
			img, err := env.Processor.LoadImage(path)
			if err != nil {
				return types.ImagePrediction{}, err
			}
			pred, err := s.Survey(ctx, filepath.Base(path), img)
			if err != nil {
				return types.ImagePrediction{}, err
			}
			return *pred, nil
		}
	default:
		return nil, fmt.Errorf("unknown survey backend %q (use plantnet or local)", backend)
	}

	sum := &RunSummary{Step: "predict-survey", Output: filepath.Join(env.Config.Folders.OutputPredictions, multiPredictionsFile)}
	preds := make([]types.ImagePrediction, 0, len(images))
	var runErr error
	for i, path := range images {
		env.Log.Info("[%d/%d] %s", i+1, len(images), filepath.Base(path))
		pred, err := survey(ctx, path)
		if err != nil {
			if errors.Is(err, plantnet.ErrQuotaExceeded) || ctx.Err() != nil {
				runErr = err
				break
			}
			env.Log.Error("survey %s: %v", filepath.Base(path), err)
			sum.fail(path, err)
			continue
		}
		preds = append(preds, pred)
		sum.Processed++
		logPrediction(env, pred)

		if backend != BackendLocal && i < len(images)-1 {
			if err := env.Sleep(ctx, env.Config.PlantNet.SurveyDelay); err != nil {
				runErr = err
				break
			}
		}
	}

	if err := utils.WriteJSON(sum.Output, preds); err != nil {
		return sum, err
	}
	env.Log.Info("wrote %s (%d images, %d failed)", sum.Output, sum.Processed, len(sum.Failures))
	return sum, runErr
}

func surveyRemote(ctx context.Context, env *Env, pn PlantNet, path string) (types.ImagePrediction, error) {
	params := env.Config.PlantNet.Survey
	w, h, err := env.Processor.ImageSize(path)
	if err != nil {
		return types.ImagePrediction{}, err
	}

	cost, err := pn.EstimateSurveyCost(ctx, w, h, params)
	if err != nil {
		if errors.Is(err, plantnet.ErrQuotaExceeded) {
			return types.ImagePrediction{}, err
		}
		env.Log.Warning("cost estimate for %s failed: %v", filepath.Base(path), err)
		cost = "?"
	}

	resp, raw, err := pn.SurveyTiles(ctx, path, params)
	if len(raw) > 0 {
		rawPath := filepath.Join(env.Config.Folders.OutputPredictions, "multi_raw_"+utils.Stem(path)+".json")
		if werr := writeRaw(rawPath, raw); werr != nil {
			env.Log.Warning("save %s: %v", rawPath, werr)
		}
	}
	if err != nil {
		return types.ImagePrediction{}, err
	}

	pred, skipped := resp.ToPrediction(filepath.Base(path), w, h, cost, params.TileSize)
	if skipped > 0 {
		env.Log.Warning("%s: %d tiles outside the image skipped", filepath.Base(path), skipped)
	}
	return pred, nil
}

func newLocalSurveyor(env *Env) (*detection.Surveyor, error) {
	if env.Vision == nil {
		return nil, fmt.Errorf("local vision backend not configured")
	}
	v := env.Config.Vision
	opts := detection.DefaultOptions(v.Model)
	opts.TileSize = env.Config.PlantNet.Survey.TileSize
	opts.Stride = env.Config.PlantNet.Survey.TileStride
	opts.MinScore = v.MinScore
	opts.CropConfig = cropper.CropConfig{TargetSize: v.TargetSize, MinCoverage: v.MinCoverage}

	s := detection.NewSurveyor(env.Vision, opts)
	if species, err := LoadSpecies(speciesCSVPath(env)); err == nil {
		s.SetCandidates(species)
	} else {
		env.Log.Warning("no species list, local survey answers are unrestricted: %v", err)
	}
	return s, nil
}

func logPrediction(env *Env, pred types.ImagePrediction) {
	env.Log.Info("  %dx%d, %d/%d tiles matched, %d species, cost %s",
		pred.Width, pred.Height, pred.NbMatchingSubQueries, pred.NbSubQueries, len(pred.Species), pred.EstimatedCost)
	for _, sp := range pred.Species {
		env.Log.Info("    %-35s max=%.3f tiles=%d", sp.ScientificName, sp.MaxScore, sp.Count)
	}
}

// PredictSingle runs single-species identification over every image and
// writes single_predictions.json
func PredictSingle(ctx context.Context, env *Env) (*RunSummary, error) {
	pn, err := env.plantnet()
	if err != nil {
		return nil, err
	}
	images, err := utils.ListImageFiles(env.Config.Folders.Images)
	if err != nil {
		return nil, err
	}

	dir := env.Config.Folders.OutputPredictions
	sum := &RunSummary{Step: "predict-single", Output: filepath.Join(dir, singlePredictionsFile)}
	preds := make([]types.SinglePrediction, 0, len(images))
	var runErr error
	for i, path := range images {
		name := filepath.Base(path)
		env.Log.Info("[%d/%d] %s", i+1, len(images), name)

		resp, raw, err := pn.Identify(ctx, path, env.Config.PlantNet.Single)
		if len(raw) > 0 {
			if werr := writeRaw(filepath.Join(dir, "single_raw_"+utils.Stem(path)+".json"), raw); werr != nil {
				env.Log.Warning("save raw response for %s: %v", name, werr)
			}
		}
		if err != nil {
			if errors.Is(err, plantnet.ErrQuotaExceeded) || ctx.Err() != nil {
				runErr = err
				break
			}
			env.Log.Error("identify %s: %v", name, err)
			sum.fail(path, err)
			continue
		}

		pred := resp.ToPrediction(name)
		preds = append(preds, pred)
		sum.Processed++
		if rem := resp.Remaining(); rem >= 0 {
			env.Log.Info("  best match %s, %d requests remaining", pred.BestMatch, rem)
		} else {
			env.Log.Info("  best match %s", pred.BestMatch)
		}

		if i < len(images)-1 {
			if err := env.Sleep(ctx, env.Config.PlantNet.SingleDelay); err != nil {
				runErr = err
				break
			}
		}
	}

	if err := utils.WriteJSON(sum.Output, preds); err != nil {
		return sum, err
	}
	env.Log.Info("wrote %s (%d images, %d failed)", sum.Output, sum.Processed, len(sum.Failures))
	return sum, runErr
}

// Mock survey settings
const (
	mockMatchProbability = 0.70
	mockSpeciesPerImage  = 8
)

var mockOrgans = []string{"leaf", "bark", "flower", "fruit", "habit"}

// MockPredictions writes a deterministic fake survey for every image: a
// non-overlapping tile grid where 70% of tiles get one of ~8 species from
// the species list with a Beta(2,5) score. Used to exercise the Labelbox
// steps without survey API access.
func MockPredictions(ctx context.Context, env *Env, seed int64) (*RunSummary, error) {
	pool, err := LoadSpecies(speciesCSVPath(env))
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("species list is empty")
	}
	images, err := utils.ListImageFiles(env.Config.Folders.Images)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	size := env.Config.PlantNet.Survey.TileSize
	minScore := env.Config.PlantNet.Survey.MinScore

	sum := &RunSummary{Step: "mock-predictions", Output: filepath.Join(env.Config.Folders.OutputPredictions, multiPredictionsFile)}
	preds := make([]types.ImagePrediction, 0, len(images))
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		w, h, err := env.Processor.ImageSize(path)
		if err != nil {
			sum.fail(path, err)
			continue
		}
		pred, err := mockImage(rng, pool, filepath.Base(path), w, h, size, minScore)
		if err != nil {
			sum.fail(path, err)
			continue
		}
		preds = append(preds, pred)
		sum.Processed++
		logPrediction(env, pred)
	}

	if err := utils.WriteJSON(sum.Output, preds); err != nil {
		return sum, err
	}
	env.Log.Info("wrote %s (mock predictions for %d images)", sum.Output, sum.Processed)
	return sum, nil
}

func mockImage(rng *rand.Rand, pool []types.Species, name string, w, h, size int, minScore float64) (types.ImagePrediction, error) {
	grid, err := tiling.NewGrid(w, h, size, size)
	if err != nil {
		return types.ImagePrediction{}, err
	}
	tiles := grid.Tiles()

	n := mockSpeciesPerImage
	if n > len(pool) {
		n = len(pool)
	}
	picked := make([]types.Species, n)
	for i, idx := range rng.Perm(len(pool))[:n] {
		picked[i] = pool[idx]
	}

	pred := types.ImagePrediction{
		Image:         name,
		Width:         w,
		Height:        h,
		EstimatedCost: "mock",
		NbSubQueries:  len(tiles),
	}
	index := map[string]int{}
	for _, t := range tiles {
		if rng.Float64() > mockMatchProbability {
			continue
		}
		pred.NbMatchingSubQueries++

		sp := picked[rng.Intn(len(picked))]
		score := math.Round(betaTwoFive(rng)*10000) / 10000
		if score < minScore {
			continue
		}
		organ := mockOrgans[rng.Intn(len(mockOrgans))]

		tr, err := tiling.TileRecord(t.Center.X, t.Center.Y, t.Size, w, h, score, organ)
		if err != nil {
			return types.ImagePrediction{}, err
		}

		i, ok := index[sp.ScientificName]
		if !ok {
			i = len(pred.Species)
			index[sp.ScientificName] = i
			pred.Species = append(pred.Species, types.SpeciesRecord{
				ScientificName:       sp.ScientificName,
				ScientificNameAuthor: sp.ScientificName + " " + sp.Author,
				GBIFID:               sp.GBIFID,
			})
		}
		r := &pred.Species[i]
		r.Tiles = append(r.Tiles, tr)
		r.Count++
		if score > r.MaxScore {
			r.MaxScore = score
		}
	}

	for i := range pred.Species {
		pred.Species[i].Coverage = float64(pred.Species[i].Count) / float64(len(tiles))
	}
	pred.Uncovered = 1 - float64(pred.NbMatchingSubQueries)/float64(len(tiles))
	return pred, nil
}

// betaTwoFive samples Beta(2,5) as X/(X+Y) with X ~ Gamma(2), Y ~ Gamma(5);
// integer-shape gammas are sums of exponentials.
func betaTwoFive(rng *rand.Rand) float64 {
	gamma := func(k int) float64 {
		s := 0.0
		for i := 0; i < k; i++ {
			s += rng.ExpFloat64()
		}
		return s
	}
	x := gamma(2)
	return x / (x + gamma(5))
}

// LoadPredictions reads multi_predictions.json
func LoadPredictions(env *Env) ([]types.ImagePrediction, error) {
	var preds []types.ImagePrediction
	path := filepath.Join(env.Config.Folders.OutputPredictions, multiPredictionsFile)
	if err := utils.ReadJSON(path, &preds); err != nil {
		return nil, fmt.Errorf("load survey predictions, run predict-survey or mock-predictions first: %w", err)
	}
	return preds, nil
}

// LoadSinglePredictions reads single_predictions.json
func LoadSinglePredictions(env *Env) ([]types.SinglePrediction, error) {
	var preds []types.SinglePrediction
	path := filepath.Join(env.Config.Folders.OutputPredictions, singlePredictionsFile)
	if err := utils.ReadJSON(path, &preds); err != nil {
		return nil, fmt.Errorf("load single predictions, run predict-single first: %w", err)
	}
	return preds, nil
}

func writeRaw(path string, raw []byte) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/menta2k/tree-annotator/internal/report"
	"github.com/menta2k/tree-annotator/internal/state"
	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/dedup"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
	"github.com/menta2k/tree-annotator/pkg/storage"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// importTarget is the model run a batch of predictions goes to
type importTarget struct {
	lb       Labeler
	settings kindSettings
	model    labelbox.Model
	run      labelbox.ModelRun
	keys     map[string]bool
}

// prepareImport resolves the ontology and dataset recorded by earlier steps,
// upserts the model and model run and adds the dataset rows to the run.
func prepareImport(ctx context.Context, env *Env, kind labelbox.Kind) (*importTarget, error) {
	lb, err := env.labelbox()
	if err != nil {
		return nil, err
	}
	ontologyID, err := env.State.ID(ctx, state.OntologyKey(string(kind)))
	if err != nil {
		return nil, fmt.Errorf("no %s ontology recorded, run create-ontology first: %w", kind, err)
	}
	datasetID, err := env.State.ID(ctx, state.DatasetKey)
	if err != nil {
		return nil, fmt.Errorf("no dataset recorded, run upload-images first: %w", err)
	}

	keys, err := lb.DatasetGlobalKeys(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list dataset rows: %w", err)
	}

	s := settingsFor(env, kind)
	model, _, err := lb.EnsureModel(ctx, s.Model, ontologyID)
	if err != nil {
		return nil, fmt.Errorf("ensure model %q: %w", s.Model, err)
	}
	run, _, err := lb.EnsureModelRun(ctx, model.ID, s.ModelRun)
	if err != nil {
		return nil, fmt.Errorf("ensure model run %q: %w", s.ModelRun, err)
	}
	if err := lb.UpsertDataRows(ctx, run.ID, keys); err != nil {
		return nil, fmt.Errorf("add data rows to model run: %w", err)
	}
	if err := env.State.Put(ctx, state.ModelKey(string(kind)), model.ID, model.Name); err != nil {
		return nil, err
	}
	if err := env.State.Put(ctx, state.ModelRunKey(string(kind)), run.ID, run.Name); err != nil {
		return nil, err
	}
	env.Log.Info("model %q (%s), run %q (%s), %d data rows", model.Name, model.ID, run.Name, run.ID, len(keys))

	t := &importTarget{lb: lb, settings: s, model: model, run: run, keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		t.keys[k] = true
	}
	return t, nil
}

// finish uploads the NDJSON rows and writes model_run_summary.json
func (t *importTarget) finish(ctx context.Context, env *Env, kind labelbox.Kind, ndjson []byte, sum *ImportSummary) (*ImportSummary, error) {
	sum.Kind = string(kind)
	sum.ModelName = t.model.Name
	sum.ModelID = t.model.ID
	sum.ModelRunName = t.run.Name
	sum.ModelRunID = t.run.ID
	sum.ImportName = t.settings.ImportPrefix + uuid.NewString()
	sum.Timestamp = env.timestamp()

	var importErr error
	if sum.TotalAnnotations == 0 {
		env.Log.Warning("no %s predictions to import", kind)
	} else {
		res, err := t.lb.ImportPredictions(ctx, t.run.ID, sum.ImportName, ndjson)
		if res != nil {
			sum.UploadSuccess = res.Success
			sum.UploadFailure = res.Failure
			sum.UploadErrors = res.Errors
		}
		importErr = err
	}

	out := filepath.Join(t.settings.Dir, "model_run_summary.json")
	if err := utils.WriteJSON(out, sum); err != nil {
		return sum, err
	}
	if importErr != nil {
		return sum, fmt.Errorf("import %s predictions: %w", kind, importErr)
	}
	env.Log.Info("%s import %s: %d success, %d failure (%d images, %d annotations)",
		kind, sum.ImportName, sum.UploadSuccess, sum.UploadFailure, sum.ImagesProcessed, sum.TotalAnnotations)
	for _, e := range sum.UploadErrors {
		env.Log.Warning("  %s", e)
	}
	return sum, nil
}

func (t *importTarget) globalKey(env *Env, image string) (string, bool) {
	key := env.Config.Labelbox.GlobalKeyPrefix + image
	return key, t.keys[key]
}

// importable is true for species the ontology can express. Options are
// keyed by GBIF id, so species identified only by name are left out.
func importable(b types.SpeciesBest) bool {
	return strings.TrimSpace(b.Detection.TaxonID) != "" && strings.TrimSpace(b.Detection.SpeciesName) != ""
}

// ImportBoxes imports one bounding box per species per image: the species'
// best tile at or above the box threshold.
func ImportBoxes(ctx context.Context, env *Env) (*ImportSummary, error) {
	preds, err := LoadPredictions(env)
	if err != nil {
		return nil, err
	}
	t, err := prepareImport(ctx, env, labelbox.KindBoxes)
	if err != nil {
		return nil, err
	}

	b := labelbox.NewBuilder(env.Config.Labelbox.ToolName, env.Config.Labelbox.ClassificationInstructions)
	sum := &ImportSummary{ConfidenceThreshold: t.settings.Threshold}
	tally := report.NewTally()
	var rows []labelbox.ObjectPrediction
	for _, pred := range preds {
		key, ok := t.globalKey(env, pred.Image)
		if !ok {
			env.Log.Warning("%s is not in the dataset, skipped", pred.Image)
			sum.ImagesSkipped++
			continue
		}
		res := dedup.Best(pred.Detections(), t.settings.Threshold, pred.Width, pred.Height)
		for _, d := range res.Dropped {
			env.Log.Warning("%s: %v", pred.Image, d)
		}

		n := 0
		for _, best := range dedup.Sorted(res.Best) {
			if !importable(best) {
				sum.SpeciesSkipped++
				continue
			}
			rows = append(rows, b.Box(key, best))
			tally.Add(best.Key, best.Detection.SpeciesName, best.Confidence())
			n++
		}
		if n == 0 {
			sum.ImagesSkipped++
			continue
		}
		sum.ImagesProcessed++
		sum.TotalAnnotations += n
	}
	sum.Confidence = tally.Confidence()
	sum.Species = tally.Species()

	ndjson, err := labelbox.NDJSON(rows)
	if err != nil {
		return nil, err
	}
	return t.finish(ctx, env, labelbox.KindBoxes, ndjson, sum)
}

// ImportMasks imports one mask annotation per species per image. All
// annotations of an image share the image's composite mask and select their
// pixels by colour. Masks are referenced by presigned URL when the store can
// sign one, otherwise embedded as PNG.
func ImportMasks(ctx context.Context, env *Env) (*ImportSummary, error) {
	preds, err := LoadPredictions(env)
	if err != nil {
		return nil, err
	}
	t, err := prepareImport(ctx, env, labelbox.KindMasks)
	if err != nil {
		return nil, err
	}

	b := labelbox.NewBuilder(env.Config.Labelbox.ToolName, env.Config.Labelbox.ClassificationInstructions)
	sum := &ImportSummary{ConfidenceThreshold: t.settings.Threshold}
	tally := report.NewTally()
	var rows []labelbox.ObjectPrediction
	for _, pred := range preds {
		key, ok := t.globalKey(env, pred.Image)
		if !ok {
			env.Log.Warning("%s is not in the dataset, skipped", pred.Image)
			sum.ImagesSkipped++
			continue
		}

		// the labeling platform reads PNG masks only
		built, err := composeImage(env, pred, t.settings.Threshold, "png", func(b types.SpeciesBest) bool {
			if !importable(b) {
				sum.SpeciesSkipped++
				return false
			}
			return true
		})
		if err != nil {
			env.Log.Error("mask %s: %v", pred.Image, err)
			sum.Failures = append(sum.Failures, ImageFailure{Image: pred.Image, Error: err.Error()})
			continue
		}
		if len(built.Best) == 0 {
			sum.ImagesSkipped++
			continue
		}

		url := maskURL(ctx, env, pred.Image, built.Data)
		for _, e := range built.Composite.Legend {
			if e.VisiblePixels == 0 {
				env.Log.Warning("%s: %s fully covered by more confident species", pred.Image, e.SpeciesName)
			}
			rows = append(rows, b.Mask(key, built.Best[e.Key], e.Color, url, built.Data))
			tally.Add(e.Key, e.SpeciesName, e.Confidence)
		}
		sum.ImagesProcessed++
		sum.TotalAnnotations += len(built.Composite.Legend)
		env.Log.Info("%s: %d species, %dx%d", pred.Image, len(built.Composite.Legend), pred.Width, pred.Height)
	}
	sum.Confidence = tally.Confidence()
	sum.Species = tally.Species()

	ndjson, err := labelbox.NDJSON(rows)
	if err != nil {
		return nil, err
	}
	return t.finish(ctx, env, labelbox.KindMasks, ndjson, sum)
}

// maskURL stores the import mask and returns a fetchable URL for it, or ""
// when the store cannot hand out http(s) URLs.
func maskURL(ctx context.Context, env *Env, image string, data []byte) string {
	key := path.Join("labelbox", utils.MaskFilename(image))
	if _, err := env.Store.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{ContentType: "image/png"}); err != nil {
		env.Log.Warning("store %s: %v", key, err)
		return ""
	}
	url, err := env.Store.PresignURL(ctx, key, env.Config.Storage.URLExpiry)
	if err != nil {
		if !errors.Is(err, storage.ErrUnsupported) {
			env.Log.Warning("presign %s: %v", key, err)
		}
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ""
	}
	return url
}

// ImportClassifications imports the top-1 single-species result of every
// image as a global radio classification.
func ImportClassifications(ctx context.Context, env *Env) (*ImportSummary, error) {
	preds, err := LoadSinglePredictions(env)
	if err != nil {
		return nil, err
	}
	t, err := prepareImport(ctx, env, labelbox.KindClass)
	if err != nil {
		return nil, err
	}

	b := labelbox.NewBuilder(env.Config.Labelbox.ToolName, env.Config.Labelbox.ClassificationInstructions)
	sum := &ImportSummary{}
	tally := report.NewTally()
	var rows []labelbox.RadioPrediction
	for _, pred := range preds {
		key, ok := t.globalKey(env, pred.Image)
		if !ok || len(pred.Results) == 0 {
			sum.ImagesSkipped++
			continue
		}
		top := pred.Results[0]
		if strings.TrimSpace(top.ScientificName) == "" || strings.TrimSpace(top.GBIFID) == "" {
			sum.SpeciesSkipped++
			sum.ImagesSkipped++
			continue
		}
		rows = append(rows, b.Class(key, top.ScientificName, top.Score))
		tally.Add(top.GBIFID, top.ScientificName, top.Score)
		sum.ImagesProcessed++
	}
	sum.TotalAnnotations = len(rows)
	sum.Confidence = tally.Confidence()
	sum.Species = tally.Species()

	ndjson, err := labelbox.NDJSON(rows)
	if err != nil {
		return nil, err
	}
	return t.finish(ctx, env, labelbox.KindClass, ndjson, sum)
}

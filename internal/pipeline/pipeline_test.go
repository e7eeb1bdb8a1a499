package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/tree-annotator/internal/state"
	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
	"github.com/menta2k/tree-annotator/pkg/mask"
	"github.com/menta2k/tree-annotator/pkg/plantnet"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// surveyA is a survey of a 600x400 image: pine covers the left part,
// oak sits in the bottom right corner and an unnamed willow without GBIF id
// is hidden under the pine.
const surveyA = `{"results":{"nb_sub_queries":4,"nb_matching_sub_queries":3,"uncovered":0.25,"species":[
 {"binomial":"Pinus sylvestris","name":"Pinus sylvestris L.","family":"Pinaceae","genus":"Pinus","gbif_id":5285637,
  "coverage":0.5,"max_score":0.8,"count":2,"location":[
   {"center":{"x":259,"y":200},"size":518,"score":0.8,"organ":"leaf"},
   {"center":{"x":400,"y":200},"size":518,"score":0.3,"organ":"bark"}]},
 {"binomial":"Quercus robur","name":"Quercus robur L.","family":"Fagaceae","genus":"Quercus","gbif_id":"2878688",
  "coverage":0.25,"max_score":0.5,"count":1,"location":[
   {"center":{"x":560,"y":350},"size":80,"score":0.5,"organ":"leaf"}]},
 {"binomial":"Salix nameless","name":"Salix nameless","gbif_id":null,
  "coverage":0.25,"max_score":0.4,"count":1,"location":[
   {"center":{"x":300,"y":300},"size":100,"score":0.4,"organ":"leaf"}]}]}}`

const identifyA = `{"bestMatch":"Pinus sylvestris L.","results":[
 {"score":0.91,"species":{"scientificNameWithoutAuthor":"Pinus sylvestris","scientificName":"Pinus sylvestris L.",
  "family":{"scientificNameWithoutAuthor":"Pinaceae"},"genus":{"scientificNameWithoutAuthor":"Pinus"}},
  "gbif":{"id":"5285637"},"powo":{"id":"123"}},
 {"score":0.05,"species":{"scientificNameWithoutAuthor":"Pinus nigra","scientificName":"Pinus nigra J.F.Arnold"},
  "gbif":{"id":"5285385"}}],
 "remainingIdentificationRequests":480}`

func surveyPrediction(t *testing.T) types.ImagePrediction {
	t.Helper()
	var sr plantnet.SurveyResponse
	if err := json.Unmarshal([]byte(surveyA), &sr); err != nil {
		t.Fatalf("decode survey fixture: %v", err)
	}
	pred, skipped := sr.ToPrediction("a.png", 600, 400, "1", 518)
	if skipped != 0 {
		t.Fatalf("Expected no skipped tiles, got %d", skipped)
	}
	return pred
}

func writePredictions(t *testing.T, env *Env, preds []types.ImagePrediction) {
	t.Helper()
	path := filepath.Join(env.Config.Folders.OutputPredictions, multiPredictionsFile)
	if err := utils.WriteJSON(path, preds); err != nil {
		t.Fatal(err)
	}
}

func TestFetchSpecies(t *testing.T) {
	env := newTestEnv(t)
	env.PlantNet = &fakePlantNet{species: &plantnet.SpeciesList{
		Raw:     []json.RawMessage{json.RawMessage(`{"id":"1"}`), json.RawMessage(`{"id":"2"}`), json.RawMessage(`{"id":"3"}`)},
		Species: testSpecies(),
	}}

	sum, err := FetchSpecies(context.Background(), env)
	if err != nil {
		t.Fatalf("FetchSpecies failed: %v", err)
	}
	if sum.Total != 3 || sum.WithGBIF != 2 || sum.WithoutGBIF != 1 {
		t.Errorf("Expected 3 species with 2 GBIF ids, got %+v", sum)
	}

	species, err := LoadSpecies(sum.CSVPath)
	if err != nil {
		t.Fatalf("LoadSpecies failed: %v", err)
	}
	if len(species) != 3 {
		t.Fatalf("Expected 3 species in CSV, got %d", len(species))
	}
	if species[0].ScientificName != "Pinus sylvestris" || species[0].GBIFID != "5285637" {
		t.Errorf("Expected Pinus sylvestris 5285637 first, got %+v", species[0])
	}

	var raw []json.RawMessage
	if err := utils.ReadJSON(sum.RawPath, &raw); err != nil {
		t.Fatalf("read raw species: %v", err)
	}
	if len(raw) != 3 {
		t.Errorf("Expected 3 raw entries, got %d", len(raw))
	}
}

func TestStepsRequireClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := FetchSpecies(ctx, env); err == nil {
		t.Error("Expected FetchSpecies to fail without a Pl@ntNet client")
	}
	if _, err := PredictSingle(ctx, env); err == nil {
		t.Error("Expected PredictSingle to fail without a Pl@ntNet client")
	}
	if _, err := PredictSurvey(ctx, env, BackendPlantNet); err == nil {
		t.Error("Expected PredictSurvey to fail without a Pl@ntNet client")
	}
	if _, err := PredictSurvey(ctx, env, BackendLocal); err == nil {
		t.Error("Expected local PredictSurvey to fail without a vision client")
	}
	if _, err := PredictSurvey(ctx, env, "bogus"); err == nil {
		t.Error("Expected an unknown backend to fail")
	}
	if _, err := CreateOntology(ctx, env, labelbox.KindBoxes); err == nil {
		t.Error("Expected CreateOntology to fail without a Labelbox client")
	}
	if _, err := UploadImages(ctx, env); err == nil {
		t.Error("Expected UploadImages to fail without a Labelbox client")
	}
	if _, err := ImportBoxes(ctx, env); err == nil {
		t.Error("Expected ImportBoxes to fail without predictions")
	}
}

func TestMockPredictionsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	writeSpecies(t, env)
	writeImage(t, env, "a.png", 1100, 600)
	writeImage(t, env, "b.png", 300, 300)
	ctx := context.Background()

	out := filepath.Join(env.Config.Folders.OutputPredictions, multiPredictionsFile)
	if _, err := MockPredictions(ctx, env, 42); err != nil {
		t.Fatalf("MockPredictions failed: %v", err)
	}
	first, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := MockPredictions(ctx, env, 42)
	if err != nil {
		t.Fatalf("MockPredictions failed: %v", err)
	}
	second, _ := os.ReadFile(out)
	if !bytes.Equal(first, second) {
		t.Error("Expected identical output for the same seed")
	}
	if sum.Processed != 2 {
		t.Errorf("Expected 2 images processed, got %d", sum.Processed)
	}

	preds, err := LoadPredictions(env)
	if err != nil {
		t.Fatal(err)
	}
	if preds[0].Image != "a.png" || preds[0].NbSubQueries != 6 {
		t.Errorf("Expected 6 tiles for a.png, got %s with %d", preds[0].Image, preds[0].NbSubQueries)
	}
	if preds[1].NbSubQueries != 1 {
		t.Errorf("Expected 1 tile for b.png, got %d", preds[1].NbSubQueries)
	}

	gbif := map[string]string{}
	for _, sp := range testSpecies() {
		gbif[sp.ScientificName] = sp.GBIFID
	}
	for _, pred := range preds {
		if pred.EstimatedCost != "mock" {
			t.Errorf("Expected mock cost, got %q", pred.EstimatedCost)
		}
		for _, sp := range pred.Species {
			id, ok := gbif[sp.ScientificName]
			if !ok || id != sp.GBIFID {
				t.Errorf("Expected species from the list, got %s (%s)", sp.ScientificName, sp.GBIFID)
			}
			if sp.Count != len(sp.Tiles) {
				t.Errorf("Expected count %d to match tiles, got %d", len(sp.Tiles), sp.Count)
			}
			for _, tile := range sp.Tiles {
				if tile.Score < 0.10 || tile.Score > 1 {
					t.Errorf("Expected score in [0.10, 1], got %f", tile.Score)
				}
				if tile.BoxLeft < 0 || tile.BoxTop < 0 ||
					tile.BoxLeft+tile.BoxWidth > pred.Width || tile.BoxTop+tile.BoxHeight > pred.Height {
					t.Errorf("Expected box inside %dx%d, got %+v", pred.Width, pred.Height, tile.Box())
				}
			}
		}
	}

	if _, err := MockPredictions(ctx, env, 7); err != nil {
		t.Fatal(err)
	}
	third, _ := os.ReadFile(out)
	if bytes.Equal(first, third) {
		t.Error("Expected a different seed to change the output")
	}
}

func TestPredictSurveyPlantNet(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env, "a.png", 600, 400)
	writeImage(t, env, "b.png", 200, 200)
	pn := &fakePlantNet{
		survey:  map[string]string{"a.png": surveyA},
		errs:    map[string]error{"b.png": errors.New("service unavailable")},
		costErr: errors.New("cost endpoint down"),
	}
	env.PlantNet = pn

	sleeps := 0
	env.Sleep = func(ctx context.Context, d time.Duration) error {
		if d != env.Config.PlantNet.SurveyDelay {
			t.Errorf("Expected survey delay %v, got %v", env.Config.PlantNet.SurveyDelay, d)
		}
		sleeps++
		return nil
	}

	sum, err := PredictSurvey(context.Background(), env, BackendPlantNet)
	if err != nil {
		t.Fatalf("PredictSurvey failed: %v", err)
	}
	if sum.Processed != 1 || len(sum.Failures) != 1 || sum.Failures[0].Image != "b.png" {
		t.Errorf("Expected a.png processed and b.png failed, got %+v", sum)
	}
	if sleeps != 1 {
		t.Errorf("Expected 1 pause between 2 images, got %d", sleeps)
	}

	preds, err := LoadPredictions(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 1 {
		t.Fatalf("Expected 1 prediction, got %d", len(preds))
	}
	p := preds[0]
	if p.EstimatedCost != "?" {
		t.Errorf("Expected cost ? after a failed estimate, got %q", p.EstimatedCost)
	}
	if p.Width != 600 || p.Height != 400 || len(p.Species) != 3 {
		t.Errorf("Expected 600x400 with 3 species, got %dx%d with %d", p.Width, p.Height, len(p.Species))
	}
	if p.Species[0].GBIFID != "5285637" {
		t.Errorf("Expected numeric GBIF id as string, got %q", p.Species[0].GBIFID)
	}

	raw := filepath.Join(env.Config.Folders.OutputPredictions, "multi_raw_a.json")
	if !utils.FileExists(raw) {
		t.Errorf("Expected raw response at %s", raw)
	}
}

func TestPredictSurveyStopsOnQuota(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env, "a.png", 100, 100)
	writeImage(t, env, "b.png", 100, 100)
	pn := &fakePlantNet{errs: map[string]error{
		"a.png": fmt.Errorf("survey: %w", plantnet.ErrQuotaExceeded),
	}}
	env.PlantNet = pn

	_, err := PredictSurvey(context.Background(), env, BackendPlantNet)
	if !errors.Is(err, plantnet.ErrQuotaExceeded) {
		t.Fatalf("Expected quota error, got %v", err)
	}
	if pn.calls != 1 {
		t.Errorf("Expected the run to stop after 1 call, got %d", pn.calls)
	}
	preds, err := LoadPredictions(env)
	if err != nil {
		t.Fatalf("Expected predictions file even after quota stop: %v", err)
	}
	if len(preds) != 0 {
		t.Errorf("Expected no predictions, got %d", len(preds))
	}
}

func TestPredictSurveyLocal(t *testing.T) {
	env := newTestEnv(t)
	writeSpecies(t, env)
	writeImage(t, env, "a.png", 600, 400)
	env.Config.Vision.MinScore = 0.2
	env.Config.Vision.MinCoverage = 0
	env.Vision = &fakeVision{id: types.TileIdentification{Species: "pinus sylvestris", Confidence: 0.6, Organ: "habit"}}

	slept := false
	env.Sleep = func(context.Context, time.Duration) error {
		slept = true
		return nil
	}

	sum, err := PredictSurvey(context.Background(), env, BackendLocal)
	if err != nil {
		t.Fatalf("PredictSurvey failed: %v", err)
	}
	if sum.Processed != 1 {
		t.Errorf("Expected 1 image processed, got %d", sum.Processed)
	}
	if slept {
		t.Error("Expected no pauses for the local backend")
	}

	preds, err := LoadPredictions(env)
	if err != nil {
		t.Fatal(err)
	}
	p := preds[0]
	if p.EstimatedCost != "0" {
		t.Errorf("Expected cost 0 for local survey, got %q", p.EstimatedCost)
	}
	if len(p.Species) != 1 {
		t.Fatalf("Expected 1 species, got %d", len(p.Species))
	}
	sp := p.Species[0]
	if sp.ScientificName != "Pinus sylvestris" || sp.GBIFID != "5285637" {
		t.Errorf("Expected canonical name and GBIF id from the list, got %q %q", sp.ScientificName, sp.GBIFID)
	}
	if sp.Count != p.NbSubQueries {
		t.Errorf("Expected every tile matched (%d), got %d", p.NbSubQueries, sp.Count)
	}
}

func TestPredictSingle(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env, "a.png", 100, 100)
	writeImage(t, env, "b.png", 100, 100)
	env.PlantNet = &fakePlantNet{
		identify: map[string]string{"a.png": identifyA, "b.png": `{"bestMatch":"","results":[]}`},
	}

	sum, err := PredictSingle(context.Background(), env)
	if err != nil {
		t.Fatalf("PredictSingle failed: %v", err)
	}
	if sum.Processed != 2 {
		t.Errorf("Expected 2 images processed, got %d", sum.Processed)
	}

	preds, err := LoadSinglePredictions(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 2 {
		t.Fatalf("Expected 2 predictions, got %d", len(preds))
	}
	if preds[0].BestMatch != "Pinus sylvestris L." || len(preds[0].Results) != 2 {
		t.Errorf("Expected pine with 2 results, got %+v", preds[0])
	}
	if preds[0].Results[0].GBIFID != "5285637" || preds[0].Results[0].Genus != "Pinus" {
		t.Errorf("Expected GBIF id and genus, got %+v", preds[0].Results[0])
	}
	if preds[1].BestMatch != "Unknown" {
		t.Errorf("Expected Unknown best match, got %q", preds[1].BestMatch)
	}
	raw := filepath.Join(env.Config.Folders.OutputPredictions, "single_raw_a.json")
	if !utils.FileExists(raw) {
		t.Errorf("Expected raw response at %s", raw)
	}
}

func TestBuildMasks(t *testing.T) {
	env := newTestEnv(t)
	writeImage(t, env, "a.png", 600, 400)
	env.Config.Masks.DebugOverlay = true
	writePredictions(t, env, []types.ImagePrediction{
		surveyPrediction(t),
		{Image: "empty.png", Width: 100, Height: 100, EstimatedCost: "1"},
	})
	ctx := context.Background()

	sum, err := BuildMasks(ctx, env)
	if err != nil {
		t.Fatalf("BuildMasks failed: %v", err)
	}
	if sum.Processed != 1 || sum.Skipped != 1 {
		t.Errorf("Expected 1 mask and 1 skipped image, got %+v", sum)
	}

	var summaries map[string]MaskSummary
	if err := utils.ReadJSON(sum.Output, &summaries); err != nil {
		t.Fatal(err)
	}
	ms, ok := summaries["a.png"]
	if !ok {
		t.Fatal("Expected a.png in mask summary")
	}
	if ms.MaskKey != "composite_masks/a_mask.png" {
		t.Errorf("Expected composite_masks/a_mask.png, got %s", ms.MaskKey)
	}
	if len(ms.Species) != 3 {
		t.Fatalf("Expected 3 legend entries, got %d", len(ms.Species))
	}
	if ms.OverlayPath == "" || !utils.FileExists(ms.OverlayPath) {
		t.Errorf("Expected debug overlay, got %q", ms.OverlayPath)
	}

	// legend goes from least to most confident
	legend := map[string]mask.LegendEntry{}
	for i, e := range ms.Species {
		legend[e.SpeciesName] = e
		if i > 0 && e.Confidence < ms.Species[i-1].Confidence {
			t.Errorf("Expected ascending confidence in legend, got %v", ms.Species)
		}
	}
	if legend["Salix nameless"].VisiblePixels != 0 {
		t.Errorf("Expected willow fully covered by pine, got %d pixels", legend["Salix nameless"].VisiblePixels)
	}

	_, rc, err := env.Store.Get(ctx, ms.MaskKey)
	if err != nil {
		t.Fatalf("Expected mask in store: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode mask: %v", err)
	}
	if decoded.Bounds().Dx() != 600 || decoded.Bounds().Dy() != 400 {
		t.Errorf("Expected 600x400 mask, got %v", decoded.Bounds())
	}

	nrgba := toNRGBA(decoded)
	if c := mask.ColorAt(nrgba, 100, 100); c != legend["Pinus sylvestris"].Color {
		t.Errorf("Expected pine colour at (100,100), got %v", c)
	}
	if c := mask.ColorAt(nrgba, 300, 300); c != legend["Pinus sylvestris"].Color {
		t.Errorf("Expected pine painted over willow at (300,300), got %v", c)
	}
	if c := mask.ColorAt(nrgba, 560, 350); c != legend["Quercus robur"].Color {
		t.Errorf("Expected oak colour at (560,350), got %v", c)
	}
	if c := mask.ColorAt(nrgba, 590, 5); c != types.Background {
		t.Errorf("Expected background at (590,5), got %v", c)
	}
}

func TestSetupAndUpload(t *testing.T) {
	env := newTestEnv(t)
	writeSpecies(t, env)
	writeImage(t, env, "a.png", 50, 50)
	writeImage(t, env, "b.png", 50, 50)
	lb := newFakeLabeler()
	env.Labelbox = lb
	ctx := context.Background()

	if _, err := CreateProject(ctx, env, labelbox.KindBoxes); err == nil {
		t.Error("Expected CreateProject to fail before the ontology exists")
	}

	ont, err := CreateOntology(ctx, env, labelbox.KindBoxes)
	if err != nil {
		t.Fatalf("CreateOntology failed: %v", err)
	}
	if id, _ := env.State.ID(ctx, state.OntologyKey("boxes")); id != ont.ID {
		t.Errorf("Expected ontology id %s recorded, got %s", ont.ID, id)
	}
	if !utils.FileExists(filepath.Join(env.Config.Folders.OutputBoxes, "ontology.json")) {
		t.Error("Expected ontology.json in the boxes folder")
	}
	if _, err := CreateOntology(ctx, env, labelbox.KindBoxes); err != nil {
		t.Fatalf("Expected CreateOntology to reuse the ontology: %v", err)
	}
	if len(lb.ontologies) != 1 {
		t.Errorf("Expected 1 ontology, got %d", len(lb.ontologies))
	}

	proj, err := CreateProject(ctx, env, labelbox.KindBoxes)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if lb.projects[proj.ID] != ont.ID {
		t.Errorf("Expected project connected to %s, got %s", ont.ID, lb.projects[proj.ID])
	}

	sum, err := UploadImages(ctx, env)
	if err != nil {
		t.Fatalf("UploadImages failed: %v", err)
	}
	if sum.NumImages != 2 || sum.Reused != 0 {
		t.Errorf("Expected 2 new images, got %+v", sum)
	}
	if sum.GlobalKeys[0] != "tree-a.png" || sum.Filenames[1] != "b.png" {
		t.Errorf("Expected prefixed global keys, got %v %v", sum.GlobalKeys, sum.Filenames)
	}

	writeImage(t, env, "c.png", 50, 50)
	sum, err = UploadImages(ctx, env)
	if err != nil {
		t.Fatalf("second UploadImages failed: %v", err)
	}
	if sum.NumImages != 3 || sum.Reused != 2 {
		t.Errorf("Expected 3 images with 2 reused, got %+v", sum)
	}
	if lb.datasets != 1 || len(lb.uploads) != 3 {
		t.Errorf("Expected 1 dataset and 3 uploads, got %d and %d", lb.datasets, len(lb.uploads))
	}

	var onDisk UploadSummary
	if err := utils.ReadJSON(filepath.Join(env.Config.Folders.OutputImages, "upload_summary.json"), &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.DatasetID != sum.DatasetID || onDisk.NumImages != 3 {
		t.Errorf("Expected summary on disk to match, got %+v", onDisk)
	}
}

// importEnv prepares an env with the ontology for kind, an uploaded a.png
// and survey predictions for it.
func importEnv(t *testing.T, kind labelbox.Kind) (*Env, *fakeLabeler) {
	t.Helper()
	env := newTestEnv(t)
	writeSpecies(t, env)
	writeImage(t, env, "a.png", 600, 400)
	lb := newFakeLabeler()
	env.Labelbox = lb
	ctx := context.Background()

	if _, err := CreateOntology(ctx, env, kind); err != nil {
		t.Fatalf("CreateOntology failed: %v", err)
	}
	if _, err := UploadImages(ctx, env); err != nil {
		t.Fatalf("UploadImages failed: %v", err)
	}
	writePredictions(t, env, []types.ImagePrediction{
		surveyPrediction(t),
		{Image: "missing.png", Width: 10, Height: 10},
	})
	return env, lb
}

func ndjsonLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func TestImportBoxes(t *testing.T) {
	env, lb := importEnv(t, labelbox.KindBoxes)
	ctx := context.Background()

	sum, err := ImportBoxes(ctx, env)
	if err != nil {
		t.Fatalf("ImportBoxes failed: %v", err)
	}
	if sum.ImagesProcessed != 1 || sum.ImagesSkipped != 1 {
		t.Errorf("Expected 1 processed and 1 skipped image, got %+v", sum)
	}
	if sum.TotalAnnotations != 2 || sum.SpeciesSkipped != 1 {
		t.Errorf("Expected 2 boxes and the willow skipped, got %d and %d", sum.TotalAnnotations, sum.SpeciesSkipped)
	}
	if !strings.HasPrefix(sum.ImportName, "prediction_upload_") {
		t.Errorf("Expected prediction_upload_ prefix, got %s", sum.ImportName)
	}
	if sum.Confidence.Count != 2 || sum.Confidence.Max != 0.8 {
		t.Errorf("Expected confidence summary over 2 boxes, got %+v", sum.Confidence)
	}

	if len(lb.imports) != 1 {
		t.Fatalf("Expected 1 import, got %d", len(lb.imports))
	}
	lines := ndjsonLines(lb.imports[0].ndjson)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 NDJSON rows, got %d", len(lines))
	}
	var first labelbox.ObjectPrediction
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.DataRow.GlobalKey != "tree-a.png" || first.BBox == nil {
		t.Errorf("Expected a box on tree-a.png, got %+v", first)
	}
	if first.Confidence != 0.5 {
		t.Errorf("Expected the least confident box first, got %f", first.Confidence)
	}
	if len(lb.upserted) != 1 || lb.upserted[0] != "tree-a.png" {
		t.Errorf("Expected dataset rows added to the run, got %v", lb.upserted)
	}
	if id, _ := env.State.ID(ctx, state.ModelRunKey("boxes")); id == "" {
		t.Error("Expected model run recorded")
	}
	if !utils.FileExists(filepath.Join(env.Config.Folders.OutputBoxes, "model_run_summary.json")) {
		t.Error("Expected model_run_summary.json")
	}
}

func TestImportMasksInlinePNG(t *testing.T) {
	env, lb := importEnv(t, labelbox.KindMasks)

	sum, err := ImportMasks(context.Background(), env)
	if err != nil {
		t.Fatalf("ImportMasks failed: %v", err)
	}
	if sum.TotalAnnotations != 2 || sum.SpeciesSkipped != 1 {
		t.Errorf("Expected 2 masks and the willow skipped, got %d and %d", sum.TotalAnnotations, sum.SpeciesSkipped)
	}
	if !strings.HasPrefix(sum.ImportName, "mask_predictions_") {
		t.Errorf("Expected mask_predictions_ prefix, got %s", sum.ImportName)
	}

	lines := ndjsonLines(lb.imports[0].ndjson)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 NDJSON rows, got %d", len(lines))
	}
	colors := map[string]bool{}
	for _, l := range lines {
		var row labelbox.ObjectPrediction
		if err := json.Unmarshal([]byte(l), &row); err != nil {
			t.Fatal(err)
		}
		if row.Mask == nil || row.Mask.PNG == "" || row.Mask.InstanceURI != "" {
			t.Fatalf("Expected an inline PNG mask, got %+v", row.Mask)
		}
		colors[fmt.Sprint(row.Mask.ColorRGB)] = true
	}
	if len(colors) != 2 {
		t.Errorf("Expected 2 distinct mask colours, got %v", colors)
	}
}

func TestImportClassifications(t *testing.T) {
	env, lb := importEnv(t, labelbox.KindClass)
	singles := []types.SinglePrediction{
		{Image: "a.png", BestMatch: "Pinus sylvestris L.", Results: []types.SingleResult{
			{Score: 0.91, ScientificName: "Pinus sylvestris", GBIFID: "5285637"},
			{Score: 0.05, ScientificName: "Pinus nigra", GBIFID: "5285385"},
		}},
		{Image: "b.png", BestMatch: "Unknown"},
	}
	if err := utils.WriteJSON(filepath.Join(env.Config.Folders.OutputPredictions, singlePredictionsFile), singles); err != nil {
		t.Fatal(err)
	}

	sum, err := ImportClassifications(context.Background(), env)
	if err != nil {
		t.Fatalf("ImportClassifications failed: %v", err)
	}
	if sum.ImagesProcessed != 1 || sum.ImagesSkipped != 1 || sum.TotalAnnotations != 1 {
		t.Errorf("Expected 1 classification and 1 skipped image, got %+v", sum)
	}

	lines := ndjsonLines(lb.imports[0].ndjson)
	var row labelbox.RadioPrediction
	if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
		t.Fatal(err)
	}
	if row.Answer.Name != "Pinus sylvestris" || row.Answer.Confidence != 0.91 {
		t.Errorf("Expected top-1 pine answer, got %+v", row.Answer)
	}
	if row.DataRow == nil || row.DataRow.GlobalKey != "tree-a.png" {
		t.Errorf("Expected global key tree-a.png, got %+v", row.DataRow)
	}
}

func TestImportRequiresDataset(t *testing.T) {
	env := newTestEnv(t)
	writeSpecies(t, env)
	env.Labelbox = newFakeLabeler()
	writePredictions(t, env, []types.ImagePrediction{surveyPrediction(t)})
	ctx := context.Background()

	if _, err := CreateOntology(ctx, env, labelbox.KindBoxes); err != nil {
		t.Fatal(err)
	}
	if _, err := ImportBoxes(ctx, env); err == nil {
		t.Error("Expected ImportBoxes to fail before images are uploaded")
	}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}

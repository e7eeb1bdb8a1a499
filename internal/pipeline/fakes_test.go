package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/tree-annotator/internal/config"
	"github.com/menta2k/tree-annotator/internal/logging"
	"github.com/menta2k/tree-annotator/internal/state"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
	"github.com/menta2k/tree-annotator/pkg/plantnet"
	"github.com/menta2k/tree-annotator/pkg/processing"
	"github.com/menta2k/tree-annotator/pkg/storage"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// newTestEnv builds an Env rooted in a temp dir with an in-memory store and
// no remote clients.
func newTestEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Folders = config.FoldersConfig{
		Images:            filepath.Join(root, "images"),
		OutputSpecies:     filepath.Join(root, "output", "species"),
		OutputPredictions: filepath.Join(root, "output", "predictions"),
		OutputBoxes:       filepath.Join(root, "output", "boxes"),
		OutputMasks:       filepath.Join(root, "output", "masks"),
		OutputClass:       filepath.Join(root, "output", "class"),
		OutputImages:      filepath.Join(root, "output", "images"),
	}
	cfg.Labelbox.GlobalKeyPrefix = "tree-"
	if err := os.MkdirAll(cfg.Folders.Images, 0755); err != nil {
		t.Fatal(err)
	}

	reg, err := state.Open(filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("state.Open failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return &Env{
		Config:    cfg,
		Log:       logging.Discard(),
		State:     reg,
		Store:     storage.NewMemory(),
		Processor: processing.NewProcessor(),
		Sleep:     func(context.Context, time.Duration) error { return nil },
		Now:       func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

// writeImage writes a w x h green PNG into the images folder
func writeImage(t *testing.T, env *Env, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{30, 120 + uint8(x%100), 40, 255})
		}
	}
	path := filepath.Join(env.Config.Folders.Images, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func testSpecies() []types.Species {
	return []types.Species{
		{ScientificName: "Pinus sylvestris", Author: "L.", GBIFID: "5285637"},
		{ScientificName: "Quercus robur", Author: "L.", GBIFID: "2878688"},
		{ScientificName: "Salix nameless", Author: "", GBIFID: ""},
	}
}

func writeSpecies(t *testing.T, env *Env) {
	t.Helper()
	if err := WriteSpeciesCSV(speciesCSVPath(env), testSpecies()); err != nil {
		t.Fatalf("WriteSpeciesCSV failed: %v", err)
	}
}

type fakePlantNet struct {
	mu       sync.Mutex
	species  *plantnet.SpeciesList
	survey   map[string]string // image name -> survey JSON
	identify map[string]string // image name -> identify JSON
	errs     map[string]error  // image name -> error
	costErr  error
	calls    int
}

func (f *fakePlantNet) FetchSpecies(ctx context.Context, pageSize int, lang string) (*plantnet.SpeciesList, error) {
	return f.species, nil
}

func (f *fakePlantNet) EstimateSurveyCost(ctx context.Context, w, h int, p plantnet.SurveyParams) (string, error) {
	if f.costErr != nil {
		return "", f.costErr
	}
	return fmt.Sprintf("%d", w*h/1000000+1), nil
}

func (f *fakePlantNet) SurveyTiles(ctx context.Context, path string, p plantnet.SurveyParams) (*plantnet.SurveyResponse, []byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	name := filepath.Base(path)
	if err := f.errs[name]; err != nil {
		return nil, nil, err
	}
	raw := []byte(f.survey[name])
	var sr plantnet.SurveyResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, raw, err
	}
	return &sr, raw, nil
}

func (f *fakePlantNet) Identify(ctx context.Context, path string, p plantnet.SingleParams) (*plantnet.IdentifyResponse, []byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	name := filepath.Base(path)
	if err := f.errs[name]; err != nil {
		return nil, nil, err
	}
	raw := []byte(f.identify[name])
	var ir plantnet.IdentifyResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, raw, err
	}
	return &ir, raw, nil
}

type importCall struct {
	runID  string
	name   string
	ndjson string
}

type fakeLabeler struct {
	mu         sync.Mutex
	ontologies map[string]labelbox.OntologySchema
	projects   map[string]string // project id -> ontology id
	datasets   int
	rows       []labelbox.DataRow
	uploads    []string
	upserted   []string
	imports    []importCall
	result     labelbox.ImportResult
}

func newFakeLabeler() *fakeLabeler {
	return &fakeLabeler{
		ontologies: map[string]labelbox.OntologySchema{},
		projects:   map[string]string{},
		result:     labelbox.ImportResult{State: labelbox.StateFinished},
	}
}

func (f *fakeLabeler) EnsureOntology(ctx context.Context, name string, schema labelbox.OntologySchema) (labelbox.Ontology, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.ontologies[name]
	if !exists {
		f.ontologies[name] = schema
	}
	return labelbox.Ontology{ID: "ont-" + name, Name: name}, !exists, nil
}

func (f *fakeLabeler) EnsureProject(ctx context.Context, name, description string) (labelbox.Project, bool, error) {
	return labelbox.Project{ID: "proj-" + name, Name: name}, true, nil
}

func (f *fakeLabeler) ConnectOntology(ctx context.Context, projectID, ontologyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[projectID] = ontologyID
	return nil
}

func (f *fakeLabeler) CreateDataset(ctx context.Context, name, description string) (labelbox.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets++
	return labelbox.Dataset{ID: fmt.Sprintf("ds-%d", f.datasets), Name: name}, nil
}

func (f *fakeLabeler) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return "https://storage.example/" + filename, nil
}

func (f *fakeLabeler) CreateDataRows(ctx context.Context, datasetID string, rows []labelbox.DataRow) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := map[string]string{}
	for _, r := range rows {
		f.rows = append(f.rows, r)
		ids[r.GlobalKey] = "dr-" + r.GlobalKey
	}
	return ids, nil
}

func (f *fakeLabeler) DatasetGlobalKeys(ctx context.Context, datasetID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, r := range f.rows {
		keys = append(keys, r.GlobalKey)
	}
	return keys, nil
}

func (f *fakeLabeler) EnsureModel(ctx context.Context, name, ontologyID string) (labelbox.Model, bool, error) {
	return labelbox.Model{ID: "model-" + name, Name: name}, true, nil
}

func (f *fakeLabeler) EnsureModelRun(ctx context.Context, modelID, name string) (labelbox.ModelRun, bool, error) {
	return labelbox.ModelRun{ID: "run-" + name, Name: name}, true, nil
}

func (f *fakeLabeler) UpsertDataRows(ctx context.Context, modelRunID string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, keys...)
	return nil
}

func (f *fakeLabeler) ImportPredictions(ctx context.Context, modelRunID, name string, ndjson []byte) (*labelbox.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports = append(f.imports, importCall{runID: modelRunID, name: name, ndjson: string(ndjson)})
	res := f.result
	res.Name = name
	return &res, nil
}

// fakeVision answers every tile with the same identification
type fakeVision struct {
	id types.TileIdentification
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, img string) (string, error) {
	return "a forest canopy", nil
}

func (f *fakeVision) IdentifyTile(ctx context.Context, model, prompt, img string) (*types.TileIdentification, error) {
	id := f.id
	return &id, nil
}

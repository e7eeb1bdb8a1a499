package detection

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/menta2k/tree-annotator/pkg/cropper"
	"github.com/menta2k/tree-annotator/pkg/types"
)

// fakeClient answers IdentifyTile from a queue of canned identifications
type fakeClient struct {
	mu      sync.Mutex
	answers []*types.TileIdentification
	err     error
	calls   int
	prompts []string
}

func (f *fakeClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a forest", nil
}

func (f *fakeClient) IdentifyTile(ctx context.Context, model, prompt, imgB64 string) (*types.TileIdentification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.answers) == 0 {
		return &types.TileIdentification{Species: "none"}, nil
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a, nil
}

func testOptions() Options {
	opts := DefaultOptions("test-model")
	opts.MinScore = 0.1
	opts.CropConfig = cropper.CropConfig{TargetSize: 64}
	return opts
}

func TestSurveyGroupsBySpecies(t *testing.T) {
	fc := &fakeClient{answers: []*types.TileIdentification{
		{Species: "Ficus insipida", TaxonID: "5361902", Confidence: 0.4},
		{Species: "Ceiba pentandra", Confidence: 0.7},
		{Species: "Ficus insipida", TaxonID: "5361902", Confidence: 0.6},
		{Species: "Ficus insipida", TaxonID: "5361902", Confidence: 0.05},
	}}
	s := NewSurveyor(fc, testOptions())

	pred, err := s.Survey(context.Background(), "plot1.jpg", image.NewRGBA(image.Rect(0, 0, 1000, 1000)))
	if err != nil {
		t.Fatalf("Survey failed: %v", err)
	}
	if fc.calls != 4 {
		t.Errorf("Expected 4 tile queries, got %d", fc.calls)
	}
	if pred.NbSubQueries != 4 || pred.NbMatchingSubQueries != 3 {
		t.Errorf("Expected 4 sub queries with 3 matching, got %d/%d", pred.NbSubQueries, pred.NbMatchingSubQueries)
	}
	if len(pred.Species) != 2 {
		t.Fatalf("Expected 2 species, got %d", len(pred.Species))
	}
	if pred.Species[0].ScientificName != "Ceiba pentandra" {
		t.Errorf("Expected highest max score first, got %s", pred.Species[0].ScientificName)
	}
	ficus := pred.Species[1]
	if ficus.Count != 2 || ficus.MaxScore != 0.6 || ficus.GBIFID != "5361902" {
		t.Errorf("Unexpected Ficus record %+v", ficus)
	}
	if ficus.Tiles[0].BoxWidth != 518 {
		t.Errorf("Expected 518px tile box, got %d", ficus.Tiles[0].BoxWidth)
	}
	if pred.Uncovered != 0.25 {
		t.Errorf("Expected uncovered 0.25, got %f", pred.Uncovered)
	}

	dets := pred.Detections()
	if len(dets) != 3 {
		t.Errorf("Expected 3 detections, got %d", len(dets))
	}
}

func TestSurveyCandidatesFillTaxonID(t *testing.T) {
	fc := &fakeClient{answers: []*types.TileIdentification{
		{Species: "ceiba pentandra", Confidence: 0.9},
		{Species: "Homo sapiens", Confidence: 0.9},
	}}
	s := NewSurveyor(fc, testOptions())
	s.SetCandidates([]types.Species{{ScientificName: "Ceiba pentandra", GBIFID: "5406025"}})

	pred, err := s.Survey(context.Background(), "a.jpg", image.NewRGBA(image.Rect(0, 0, 1000, 500)))
	if err != nil {
		t.Fatalf("Survey failed: %v", err)
	}
	if len(pred.Species) != 1 {
		t.Fatalf("Expected only the candidate species, got %+v", pred.Species)
	}
	if pred.Species[0].GBIFID != "5406025" || pred.Species[0].ScientificName != "Ceiba pentandra" {
		t.Errorf("Expected canonical candidate, got %+v", pred.Species[0])
	}
	if !strings.Contains(fc.prompts[0], "Ceiba pentandra") {
		t.Error("Expected candidate names in the prompt")
	}
}

func TestSurveyAllTilesFail(t *testing.T) {
	fc := &fakeClient{err: errors.New("connection refused")}
	s := NewSurveyor(fc, testOptions())
	if _, err := s.Survey(context.Background(), "a.jpg", image.NewRGBA(image.Rect(0, 0, 600, 600))); err == nil {
		t.Error("Expected error when every tile fails")
	}
}

func TestSurveyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSurveyor(&fakeClient{}, testOptions())
	if _, err := s.Survey(ctx, "a.jpg", image.NewRGBA(image.Rect(0, 0, 600, 600))); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestTestVision(t *testing.T) {
	s := NewSurveyor(&fakeClient{}, testOptions())
	text, err := s.TestVision(context.Background(), "")
	if err != nil || text != "a forest" {
		t.Errorf("Expected 'a forest', got %q (%v)", text, err)
	}
}

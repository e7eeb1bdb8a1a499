package dedup

import (
	"errors"
	"reflect"
	"testing"

	"github.com/menta2k/tree-annotator/pkg/types"
)

func det(name, id string, conf float64, cx, cy int) types.Detection {
	return types.Detection{
		SpeciesName: name,
		TaxonID:     id,
		Confidence:  conf,
		TileCenter:  types.Point{X: cx, Y: cy},
		TileSize:    518,
	}
}

func TestBestKeepsMaximum(t *testing.T) {
	dets := []types.Detection{
		det("Ficus sp.", "", 0.05, 259, 259),
		det("Ficus sp.", "", 0.22, 777, 259),
		det("Ficus sp.", "", 0.31, 259, 777),
	}

	res := Best(dets, 0.10, 1000, 1000)
	best, ok := res.Best["Ficus sp."]
	if !ok {
		t.Fatal("Expected Ficus sp. in output")
	}
	if best.Confidence() != 0.31 {
		t.Errorf("Expected confidence 0.31, got %f", best.Confidence())
	}
	if best.Box.Top != 518 {
		t.Errorf("Expected box of the 0.31 tile (top 518), got %+v", best.Box)
	}

	res = Best(dets, 0.35, 1000, 1000)
	if _, ok := res.Best["Ficus sp."]; ok {
		t.Error("Species below threshold should be absent")
	}
	if len(res.Best) != 0 {
		t.Errorf("Expected empty output, got %d entries", len(res.Best))
	}
}

func TestBestPrefersTaxonID(t *testing.T) {
	dets := []types.Detection{
		det("Ficus insipida", "5361902", 0.4, 259, 259),
		det("Ficus insipida Willd.", "5361902", 0.6, 777, 259),
	}
	res := Best(dets, 0, 1000, 1000)
	if len(res.Best) != 1 {
		t.Fatalf("Expected one species, got %d", len(res.Best))
	}
	if res.Best["5361902"].Confidence() != 0.6 {
		t.Errorf("Expected 0.6, got %f", res.Best["5361902"].Confidence())
	}
}

func TestBestTieKeepsFirst(t *testing.T) {
	dets := []types.Detection{
		det("Cecropia", "1", 0.5, 259, 259),
		det("Cecropia", "1", 0.5, 777, 777),
	}
	res := Best(dets, 0, 1000, 1000)
	if res.Best["1"].Detection.TileCenter.X != 259 {
		t.Errorf("Expected first-seen detection to win the tie, got %+v", res.Best["1"].Detection.TileCenter)
	}
}

func TestBestEmptyInput(t *testing.T) {
	res := Best(nil, 0.1, 1000, 1000)
	if res.Best == nil || len(res.Best) != 0 {
		t.Errorf("Expected empty non-nil map, got %v", res.Best)
	}
	if len(res.Dropped) != 0 {
		t.Errorf("Expected no drops, got %d", len(res.Dropped))
	}
}

func TestBestDropsUnknownKey(t *testing.T) {
	dets := []types.Detection{
		det("  ", "", 0.9, 259, 259),
		det("Inga", "", 0.3, 259, 259),
	}
	res := Best(dets, 0.1, 1000, 1000)
	if len(res.Dropped) != 1 {
		t.Fatalf("Expected 1 dropped detection, got %d", len(res.Dropped))
	}
	if !errors.Is(res.Dropped[0], types.ErrUnknownSpeciesKey) {
		t.Errorf("Expected ErrUnknownSpeciesKey, got %v", res.Dropped[0].Err)
	}
	if _, ok := res.Best["Inga"]; !ok {
		t.Error("Valid detection should survive a dropped neighbour")
	}
}

func TestBestDropsInvalidGeometry(t *testing.T) {
	dets := []types.Detection{
		det("Inga", "", 0.9, 5000, 259),
		det("Inga", "", 0.3, 259, 259),
	}
	res := Best(dets, 0.1, 1000, 1000)
	if len(res.Dropped) != 1 || !errors.Is(res.Dropped[0], types.ErrInvalidGeometry) {
		t.Fatalf("Expected one ErrInvalidGeometry drop, got %+v", res.Dropped)
	}
	if res.Best["Inga"].Confidence() != 0.3 {
		t.Errorf("Expected the valid 0.3 detection, got %f", res.Best["Inga"].Confidence())
	}
}

func TestBestIdempotentAndAboveThreshold(t *testing.T) {
	dets := []types.Detection{
		det("A", "1", 0.12, 259, 259),
		det("B", "2", 0.80, 777, 259),
		det("A", "1", 0.45, 777, 777),
		det("C", "", 0.09, 259, 777),
		det("B", "2", 0.10, 259, 259),
	}
	first := Best(dets, 0.1, 1000, 1000)
	second := Best(dets, 0.1, 1000, 1000)
	if !reflect.DeepEqual(first.Best, second.Best) {
		t.Error("Best is not idempotent")
	}
	for key, b := range first.Best {
		if b.Confidence() < 0.1 {
			t.Errorf("Species %s below threshold: %f", key, b.Confidence())
		}
	}
	if _, ok := first.Best["C"]; ok {
		t.Error("Species C never clears the threshold and must be absent")
	}
}

func TestSortedOrder(t *testing.T) {
	best := map[string]types.SpeciesBest{
		"b": {Key: "b", Detection: types.Detection{Confidence: 0.5}},
		"a": {Key: "a", Detection: types.Detection{Confidence: 0.5}},
		"c": {Key: "c", Detection: types.Detection{Confidence: 0.2}},
		"d": {Key: "d", Detection: types.Detection{Confidence: 0.9}},
	}
	got := Sorted(best)
	want := []string{"c", "a", "b", "d"}
	for i, b := range got {
		if b.Key != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], b.Key)
		}
	}

	keys := Keys(best)
	if !reflect.DeepEqual(keys, []string{"a", "b", "c", "d"}) {
		t.Errorf("Unexpected key order %v", keys)
	}
}

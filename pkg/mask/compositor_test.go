package mask

import (
	"testing"

	"github.com/menta2k/tree-annotator/pkg/colors"
	"github.com/menta2k/tree-annotator/pkg/types"
)

func species(key string, conf float64, box types.BoundingBox) types.SpeciesBest {
	return types.SpeciesBest{
		Key:       key,
		Detection: types.Detection{SpeciesName: key, Confidence: conf},
		Box:       box,
	}
}

func TestComposeHighestConfidenceOnTop(t *testing.T) {
	best := map[string]types.SpeciesBest{
		"low":  species("low", 0.2, types.BoundingBox{Left: 0, Top: 0, Width: 60, Height: 60}),
		"high": species("high", 0.8, types.BoundingBox{Left: 40, Top: 40, Width: 60, Height: 60}),
	}
	assign := colors.Assignment{
		"low":  {R: 200},
		"high": {G: 200},
	}

	comp, err := New().Compose(100, 100, best, assign)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	if got := ColorAt(comp.Image, 50, 50); got != assign["high"] {
		t.Errorf("Overlap pixel: expected %v, got %v", assign["high"], got)
	}
	if got := ColorAt(comp.Image, 10, 10); got != assign["low"] {
		t.Errorf("Low-only pixel: expected %v, got %v", assign["low"], got)
	}
	if got := ColorAt(comp.Image, 99, 0); !got.IsBackground() {
		t.Errorf("Unpainted pixel: expected background, got %v", got)
	}

	if len(comp.Legend) != 2 || comp.Legend[0].Key != "low" || comp.Legend[1].Key != "high" {
		t.Fatalf("Unexpected paint order %+v", comp.Legend)
	}
	if comp.Legend[1].VisiblePixels != 3600 {
		t.Errorf("Expected 3600 visible pixels for high, got %d", comp.Legend[1].VisiblePixels)
	}
	if comp.Legend[0].VisiblePixels != 3600-400 {
		t.Errorf("Expected 3200 visible pixels for low, got %d", comp.Legend[0].VisiblePixels)
	}
}

func TestComposeOrderIndependent(t *testing.T) {
	a := species("a", 0.3, types.BoundingBox{Left: 0, Top: 0, Width: 50, Height: 50})
	b := species("b", 0.6, types.BoundingBox{Left: 25, Top: 25, Width: 50, Height: 50})
	c := NewWithMode(colors.ModeEven)

	m1 := map[string]types.SpeciesBest{"a": a, "b": b}
	m2 := map[string]types.SpeciesBest{"b": b, "a": a}

	r1, err := c.Compose(80, 80, m1, c.Colors(m1))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	r2, err := c.Compose(80, 80, m2, c.Colors(m2))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	for i := range r1.Image.Pix {
		if r1.Image.Pix[i] != r2.Image.Pix[i] {
			t.Fatalf("Pixel byte %d differs between runs", i)
		}
	}
}

func TestComposePaintedPixelsNeverBackground(t *testing.T) {
	best := map[string]types.SpeciesBest{}
	for i, k := range []string{"x", "y", "z", "w"} {
		best[k] = species(k, float64(i+1)/10, types.BoundingBox{Left: i * 10, Top: i * 10, Width: 30, Height: 30})
	}
	c := New()
	comp, err := c.Compose(100, 100, best, c.Colors(best))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	for _, e := range comp.Legend {
		for y := e.Box.Top; y < e.Box.Bottom(); y++ {
			for x := e.Box.Left; x < e.Box.Right(); x++ {
				if ColorAt(comp.Image, x, y).IsBackground() {
					t.Fatalf("Painted pixel (%d,%d) is background", x, y)
				}
			}
		}
	}
}

func TestComposeEmpty(t *testing.T) {
	comp, err := New().Compose(10, 5, nil, nil)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if len(comp.Legend) != 0 {
		t.Errorf("Expected empty legend, got %d", len(comp.Legend))
	}
	for i := 0; i < len(comp.Image.Pix); i += 4 {
		if comp.Image.Pix[i] != 0 || comp.Image.Pix[i+3] != 255 {
			t.Fatalf("Expected opaque black canvas at byte %d", i)
		}
	}
}

func TestComposeInvalidCanvas(t *testing.T) {
	if _, err := New().Compose(0, 10, nil, nil); err == nil {
		t.Error("Expected error for empty canvas")
	}
}

func TestComposeDoesNotMutateInput(t *testing.T) {
	best := map[string]types.SpeciesBest{
		"a": species("a", 0.5, types.BoundingBox{Left: 0, Top: 0, Width: 5, Height: 5}),
	}
	before := best["a"]
	if _, err := New().Compose(10, 10, best, nil); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if best["a"] != before || len(best) != 1 {
		t.Error("Compose mutated its input")
	}
}

func TestBinary(t *testing.T) {
	best := map[string]types.SpeciesBest{
		"a": species("a", 0.5, types.BoundingBox{Left: 2, Top: 2, Width: 3, Height: 3}),
	}
	assign := colors.Assignment{"a": {B: 9}}
	comp, err := New().Compose(10, 10, best, assign)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	bin := Binary(comp.Image, assign["a"])
	white := 0
	for _, p := range bin.Pix {
		if p == 255 {
			white++
		}
	}
	if white != 9 {
		t.Errorf("Expected 9 mask pixels, got %d", white)
	}
}

func BenchmarkCompose(b *testing.B) {
	best := map[string]types.SpeciesBest{}
	for i := 0; i < 12; i++ {
		k := string(rune('a' + i))
		best[k] = species(k, float64(i)/12, types.BoundingBox{Left: i * 300, Top: i * 200, Width: 518, Height: 518})
	}
	c := New()
	assign := c.Colors(best)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Compose(4000, 3000, best, assign)
	}
}

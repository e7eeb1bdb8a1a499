// Package report computes the confidence statistics written into the
// import and mask summaries.
package report

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a set of confidence values
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// Summarize returns statistics over values. The input is not modified.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	xs := make([]float64, len(values))
	copy(xs, values)
	sort.Float64s(xs)

	s := Summary{
		Count:  len(xs),
		Mean:   stat.Mean(xs, nil),
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
		Median: stat.Quantile(0.5, stat.Empirical, xs, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, xs, nil),
	}
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	return s
}

// SpeciesCount is how often one species was selected across a run
type SpeciesCount struct {
	Key   string  `json:"key"`
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

// Tally accumulates per-species counts and confidences for a run
type Tally struct {
	names  map[string]string
	counts map[string]int
	confs  []float64
}

func NewTally() *Tally {
	return &Tally{names: map[string]string{}, counts: map[string]int{}}
}

// Add records one selected species
func (t *Tally) Add(key, name string, confidence float64) {
	if _, ok := t.names[key]; !ok {
		t.names[key] = name
	}
	t.counts[key]++
	t.confs = append(t.confs, confidence)
}

// Confidence summarises every confidence added so far
func (t *Tally) Confidence() Summary { return Summarize(t.confs) }

// Total is the number of Add calls
func (t *Tally) Total() int { return len(t.confs) }

// Species returns the counts sorted by count descending, then key
func (t *Tally) Species() []SpeciesCount {
	total := float64(len(t.confs))
	out := make([]SpeciesCount, 0, len(t.counts))
	for k, c := range t.counts {
		out = append(out, SpeciesCount{Key: k, Name: t.names[k], Count: c, Share: float64(c) / total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

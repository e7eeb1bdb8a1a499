package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/types"
)

const (
	speciesRawFile  = "species_raw.json"
	speciesListFile = "species_list.csv"
)

var speciesHeader = []string{"scientific_name", "author", "gbif_id", "plantnet_id", "iucn_category", "common_names"}

// SpeciesSummary reports what FetchSpecies wrote
type SpeciesSummary struct {
	Total       int    `json:"total"`
	WithGBIF    int    `json:"with_gbif_id"`
	WithoutGBIF int    `json:"without_gbif_id"`
	CSVPath     string `json:"csv_path"`
	RawPath     string `json:"raw_path"`
}

// FetchSpecies downloads the project species list and writes the raw entries
// and a name-sorted CSV.
func FetchSpecies(ctx context.Context, env *Env) (*SpeciesSummary, error) {
	pn, err := env.plantnet()
	if err != nil {
		return nil, err
	}
	cfg := env.Config

	env.Log.Info("fetching species of project %s (%s)", cfg.PlantNet.Project, cfg.PlantNet.ProjectName)
	list, err := pn.FetchSpecies(ctx, cfg.PlantNet.SpeciesPageSize, cfg.PlantNet.Lang)
	if err != nil {
		return nil, fmt.Errorf("fetch species: %w", err)
	}

	dir := cfg.Folders.OutputSpecies
	sum := &SpeciesSummary{
		Total:    len(list.Species),
		WithGBIF: list.WithGBIF(),
		CSVPath:  filepath.Join(dir, speciesListFile),
		RawPath:  filepath.Join(dir, speciesRawFile),
	}
	sum.WithoutGBIF = sum.Total - sum.WithGBIF

	if err := utils.WriteJSON(sum.RawPath, list.Raw); err != nil {
		return nil, err
	}
	if err := WriteSpeciesCSV(sum.CSVPath, list.Species); err != nil {
		return nil, err
	}

	env.Log.Info("wrote %s (%d species, %d with GBIF id, %d without)", sum.CSVPath, sum.Total, sum.WithGBIF, sum.WithoutGBIF)
	return sum, nil
}

// WriteSpeciesCSV writes species in the given order
func WriteSpeciesCSV(path string, species []types.Species) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(speciesHeader); err != nil {
		return err
	}
	for _, sp := range species {
		if err := w.Write([]string{sp.ScientificName, sp.Author, sp.GBIFID, sp.PlantNetID, sp.IUCNCategory, sp.CommonNames}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// LoadSpecies reads the CSV written by FetchSpecies
func LoadSpecies(path string) ([]types.Species, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("species list not found, run fetch-species first: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[h] = i
	}
	if _, ok := col["scientific_name"]; !ok {
		return nil, fmt.Errorf("%s: missing scientific_name column", path)
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	out := make([]types.Species, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, types.Species{
			ScientificName: get(row, "scientific_name"),
			Author:         get(row, "author"),
			GBIFID:         get(row, "gbif_id"),
			PlantNetID:     get(row, "plantnet_id"),
			IUCNCategory:   get(row, "iucn_category"),
			CommonNames:    get(row, "common_names"),
		})
	}
	return out, nil
}

func speciesCSVPath(env *Env) string {
	return filepath.Join(env.Config.Folders.OutputSpecies, speciesListFile)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/tree-annotator/internal/state"
	"github.com/menta2k/tree-annotator/internal/utils"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
)

// kindSettings are the per-workflow names and folders from the config
type kindSettings struct {
	Ontology           string
	Project            string
	ProjectDescription string
	Model              string
	ModelRun           string
	Dir                string
	Threshold          float64
	ImportPrefix       string
}

func settingsFor(env *Env, kind labelbox.Kind) kindSettings {
	lb := env.Config.Labelbox
	f := env.Config.Folders
	switch kind {
	case labelbox.KindMasks:
		return kindSettings{lb.OntologyNameMasks, lb.ProjectNameMasks, lb.ProjectDescriptionMasks,
			lb.ModelNameMasks, lb.ModelRunNameMasks, f.OutputMasks, lb.ConfidenceThresholdMasks, "mask_predictions_"}
	case labelbox.KindClass:
		return kindSettings{lb.OntologyNameClass, lb.ProjectNameClass, lb.ProjectDescriptionClass,
			lb.ModelNameClass, lb.ModelRunNameClass, f.OutputClass, 0, "class_predictions_"}
	default:
		return kindSettings{lb.OntologyNameBoxes, lb.ProjectNameBoxes, lb.ProjectDescriptionBoxes,
			lb.ModelNameBoxes, lb.ModelRunNameBoxes, f.OutputBoxes, lb.ConfidenceThresholdBoxes, "prediction_upload_"}
	}
}

func ontologySpec(env *Env) labelbox.OntologySpec {
	lb := env.Config.Labelbox
	return labelbox.OntologySpec{
		ToolName:                   lb.ToolName,
		ToolColor:                  lb.ToolColor,
		ClassificationName:         lb.ClassificationName,
		ClassificationInstructions: lb.ClassificationInstructions,
	}
}

// CreateOntology builds the ontology for kind from the species list, creates
// it unless one with the same name exists and records its id.
func CreateOntology(ctx context.Context, env *Env, kind labelbox.Kind) (labelbox.Ontology, error) {
	lb, err := env.labelbox()
	if err != nil {
		return labelbox.Ontology{}, err
	}
	species, err := LoadSpecies(speciesCSVPath(env))
	if err != nil {
		return labelbox.Ontology{}, err
	}

	options, skipped := labelbox.SpeciesOptions(species)
	if skipped > 0 {
		env.Log.Warning("%d species without name or GBIF id left out of the ontology", skipped)
	}
	if len(options) == 0 {
		return labelbox.Ontology{}, fmt.Errorf("no species with a GBIF id to build the %s ontology from", kind)
	}
	schema, err := labelbox.BuildOntology(kind, ontologySpec(env), options)
	if err != nil {
		return labelbox.Ontology{}, err
	}

	s := settingsFor(env, kind)
	if err := utils.WriteJSON(filepath.Join(s.Dir, "ontology.json"), schema); err != nil {
		return labelbox.Ontology{}, err
	}

	ont, created, err := lb.EnsureOntology(ctx, s.Ontology, schema)
	if err != nil {
		return labelbox.Ontology{}, fmt.Errorf("ensure ontology %q: %w", s.Ontology, err)
	}
	if err := env.State.Put(ctx, state.OntologyKey(string(kind)), ont.ID, ont.Name); err != nil {
		return ont, err
	}
	if created {
		env.Log.Info("created ontology %q (%s) with %d species", ont.Name, ont.ID, len(options))
	} else {
		env.Log.Info("reusing ontology %q (%s)", ont.Name, ont.ID)
	}
	return ont, nil
}

// CreateProject creates the labeling project for kind and connects the
// ontology recorded by CreateOntology.
func CreateProject(ctx context.Context, env *Env, kind labelbox.Kind) (labelbox.Project, error) {
	lb, err := env.labelbox()
	if err != nil {
		return labelbox.Project{}, err
	}
	ontologyID, err := env.State.ID(ctx, state.OntologyKey(string(kind)))
	if err != nil {
		return labelbox.Project{}, fmt.Errorf("no %s ontology recorded, run create-ontology first: %w", kind, err)
	}

	s := settingsFor(env, kind)
	proj, created, err := lb.EnsureProject(ctx, s.Project, s.ProjectDescription)
	if err != nil {
		return labelbox.Project{}, fmt.Errorf("ensure project %q: %w", s.Project, err)
	}
	if err := lb.ConnectOntology(ctx, proj.ID, ontologyID); err != nil {
		return proj, fmt.Errorf("connect ontology: %w", err)
	}
	if err := env.State.Put(ctx, state.ProjectKey(string(kind)), proj.ID, proj.Name); err != nil {
		return proj, err
	}
	if created {
		env.Log.Info("created project %q (%s)", proj.Name, proj.ID)
	} else {
		env.Log.Info("reusing project %q (%s)", proj.Name, proj.ID)
	}
	return proj, nil
}

// UploadImages uploads every input image into the shared dataset. The
// dataset is created on the first run; later runs only add images whose
// global key is not in it yet.
func UploadImages(ctx context.Context, env *Env) (*UploadSummary, error) {
	lb, err := env.labelbox()
	if err != nil {
		return nil, err
	}
	cfg := env.Config
	images, err := utils.ListImageFiles(cfg.Folders.Images)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s", cfg.Folders.Images)
	}

	ds, existing, err := dataset(ctx, env, lb)
	if err != nil {
		return nil, err
	}

	sum := &UploadSummary{DatasetID: ds.ID, DatasetName: ds.Name}
	var rows []labelbox.DataRow
	for _, path := range images {
		name := filepath.Base(path)
		key := cfg.Labelbox.GlobalKeyPrefix + name
		if existing[key] {
			sum.Reused++
			sum.GlobalKeys = append(sum.GlobalKeys, key)
			sum.Filenames = append(sum.Filenames, name)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			sum.Failures = append(sum.Failures, ImageFailure{Image: name, Error: err.Error()})
			continue
		}
		url, err := lb.UploadFile(ctx, name, data)
		if err != nil {
			env.Log.Error("upload %s: %v", name, err)
			sum.Failures = append(sum.Failures, ImageFailure{Image: name, Error: err.Error()})
			continue
		}
		rows = append(rows, labelbox.DataRow{RowData: url, GlobalKey: key, ExternalID: name})
	}

	if len(rows) > 0 {
		ids, err := lb.CreateDataRows(ctx, ds.ID, rows)
		if err != nil {
			return sum, err
		}
		for _, r := range rows {
			if _, ok := ids[r.GlobalKey]; !ok {
				sum.Failures = append(sum.Failures, ImageFailure{Image: r.ExternalID, Error: "data row not created"})
				continue
			}
			sum.GlobalKeys = append(sum.GlobalKeys, r.GlobalKey)
			sum.Filenames = append(sum.Filenames, r.ExternalID)
		}
	}
	sum.NumImages = len(sum.GlobalKeys)

	path := filepath.Join(cfg.Folders.OutputImages, "upload_summary.json")
	if err := utils.WriteJSON(path, sum); err != nil {
		return sum, err
	}
	env.Log.Info("dataset %s: %d images (%d new, %d already present, %d failed)",
		ds.ID, sum.NumImages, sum.NumImages-sum.Reused, sum.Reused, len(sum.Failures))
	return sum, nil
}

// dataset returns the recorded dataset and its global keys, creating the
// dataset when none is recorded.
func dataset(ctx context.Context, env *Env, lb Labeler) (labelbox.Dataset, map[string]bool, error) {
	existing := map[string]bool{}
	entry, err := env.State.Get(ctx, state.DatasetKey)
	if err == nil {
		keys, err := lb.DatasetGlobalKeys(ctx, entry.ID)
		if err == nil {
			for _, k := range keys {
				existing[k] = true
			}
			return labelbox.Dataset{ID: entry.ID, Name: entry.Name}, existing, nil
		}
		if !errors.Is(err, labelbox.ErrNotFound) {
			return labelbox.Dataset{}, nil, err
		}
		env.Log.Warning("recorded dataset %s no longer exists, creating a new one", entry.ID)
	} else if !errors.Is(err, state.ErrNotFound) {
		return labelbox.Dataset{}, nil, err
	}

	cfg := env.Config.Labelbox
	ds, err := lb.CreateDataset(ctx, cfg.DatasetName, cfg.DatasetDescription)
	if err != nil {
		return labelbox.Dataset{}, nil, fmt.Errorf("create dataset: %w", err)
	}
	if err := env.State.Put(ctx, state.DatasetKey, ds.ID, ds.Name); err != nil {
		return ds, nil, err
	}
	env.Log.Info("created dataset %q (%s)", ds.Name, ds.ID)
	return ds, existing, nil
}

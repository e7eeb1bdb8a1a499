// Package pipeline implements the annotation steps: species list, ontology
// and project setup, image upload, predictions, masks and prediction imports.
// Every step takes the context and an *Env holding config and clients.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/menta2k/tree-annotator/internal/config"
	"github.com/menta2k/tree-annotator/internal/logging"
	"github.com/menta2k/tree-annotator/internal/state"
	"github.com/menta2k/tree-annotator/pkg/client"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
	"github.com/menta2k/tree-annotator/pkg/llamacpp"
	"github.com/menta2k/tree-annotator/pkg/ollama"
	"github.com/menta2k/tree-annotator/pkg/plantnet"
	"github.com/menta2k/tree-annotator/pkg/processing"
	"github.com/menta2k/tree-annotator/pkg/storage"
)

// PlantNet is the part of the identification API the steps use
type PlantNet interface {
	FetchSpecies(ctx context.Context, pageSize int, lang string) (*plantnet.SpeciesList, error)
	EstimateSurveyCost(ctx context.Context, width, height int, p plantnet.SurveyParams) (string, error)
	SurveyTiles(ctx context.Context, imagePath string, p plantnet.SurveyParams) (*plantnet.SurveyResponse, []byte, error)
	Identify(ctx context.Context, imagePath string, p plantnet.SingleParams) (*plantnet.IdentifyResponse, []byte, error)
}

// Labeler is the part of the labeling platform API the steps use
type Labeler interface {
	EnsureOntology(ctx context.Context, name string, schema labelbox.OntologySchema) (labelbox.Ontology, bool, error)
	EnsureProject(ctx context.Context, name, description string) (labelbox.Project, bool, error)
	ConnectOntology(ctx context.Context, projectID, ontologyID string) error
	CreateDataset(ctx context.Context, name, description string) (labelbox.Dataset, error)
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
	CreateDataRows(ctx context.Context, datasetID string, rows []labelbox.DataRow) (map[string]string, error)
	DatasetGlobalKeys(ctx context.Context, datasetID string) ([]string, error)
	EnsureModel(ctx context.Context, name, ontologyID string) (labelbox.Model, bool, error)
	EnsureModelRun(ctx context.Context, modelID, name string) (labelbox.ModelRun, bool, error)
	UpsertDataRows(ctx context.Context, modelRunID string, globalKeys []string) error
	ImportPredictions(ctx context.Context, modelRunID, name string, ndjson []byte) (*labelbox.ImportResult, error)
}

// Env carries everything a step needs. Clients whose secrets are missing
// stay nil and the steps that need them fail with a clear error.
type Env struct {
	Config    *config.Config
	Log       *logging.Logger
	State     *state.Registry
	Store     storage.Store
	PlantNet  PlantNet
	Labelbox  Labeler
	Vision    client.VisionClient
	Processor *processing.Processor

	// Sleep waits between API calls; tests replace it
	Sleep func(ctx context.Context, d time.Duration) error
	// Now stamps summaries
	Now func() time.Time
}

// NewEnv opens the state registry and artifact store and builds the clients
// the loaded secrets allow.
func NewEnv(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Env, error) {
	if log == nil {
		log = logging.Default()
	}
	reg, err := state.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	env := &Env{
		Config:    cfg,
		Log:       log,
		State:     reg,
		Store:     store,
		Processor: processing.NewProcessor(),
		Sleep:     sleep,
		Now:       time.Now,
	}

	if cfg.PlantNetAPIKey != "" {
		pn, err := plantnet.NewClient(cfg.PlantNet.APIBase, cfg.PlantNet.Project, cfg.PlantNetAPIKey)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		pn.MaxRetries = cfg.PlantNet.MaxRetries
		pn.Backoff = cfg.PlantNet.RetryBackoff
		env.PlantNet = pn
	}

	if cfg.LabelboxAPIKey != "" {
		lb, err := labelbox.NewClient(cfg.Labelbox.Endpoint, cfg.LabelboxAPIKey)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		if cfg.Labelbox.PollInterval > 0 {
			lb.PollInterval = cfg.Labelbox.PollInterval
		}
		if cfg.Labelbox.MaxPolls > 0 {
			lb.MaxPolls = cfg.Labelbox.MaxPolls
		}
		env.Labelbox = lb
	}

	vision, err := NewVisionClient(cfg.Vision)
	if err != nil {
		log.Warning("local vision backend unavailable: %v", err)
	} else {
		env.Vision = vision
	}

	return env, nil
}

// NewVisionClient builds the configured local vision backend
func NewVisionClient(cfg config.VisionConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL)
	case "ollama", "":
		return ollama.NewClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown vision backend %q", cfg.Backend)
	}
}

// Close releases the state registry
func (e *Env) Close() error {
	if e.State == nil {
		return nil
	}
	return e.State.Close()
}

func (e *Env) plantnet() (PlantNet, error) {
	if e.PlantNet == nil {
		return nil, fmt.Errorf("Pl@ntNet client not configured: PLANTNET_API_KEY missing")
	}
	return e.PlantNet, nil
}

func (e *Env) labelbox() (Labeler, error) {
	if e.Labelbox == nil {
		return nil, fmt.Errorf("Labelbox client not configured: LABELBOX_API_KEY missing")
	}
	return e.Labelbox, nil
}

func (e *Env) timestamp() string {
	return e.Now().Format(time.RFC3339)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/tree-annotator/pkg/plantnet"
	"github.com/menta2k/tree-annotator/pkg/storage"
)

// Config holds the pipeline configuration (config.yaml)
type Config struct {
	PlantNet PlantNetConfig `yaml:"plantnet"`
	Labelbox LabelboxConfig `yaml:"labelbox"`
	Folders  FoldersConfig  `yaml:"folders"`
	Storage  storage.Config `yaml:"storage"`
	Vision   VisionConfig   `yaml:"vision"`
	Masks    MasksConfig    `yaml:"masks"`
	State    StateConfig    `yaml:"state"`

	// secrets, never written back to disk
	PlantNetAPIKey string `yaml:"-"`
	LabelboxAPIKey string `yaml:"-"`
}

// PlantNetConfig holds the identification service settings
type PlantNetConfig struct {
	APIBase         string                `yaml:"api_base"`
	Project         string                `yaml:"project"`
	ProjectName     string                `yaml:"project_name"`
	SpeciesPageSize int                   `yaml:"species_page_size"`
	Lang            string                `yaml:"lang"`
	Survey          plantnet.SurveyParams `yaml:"survey"`
	Single          plantnet.SingleParams `yaml:"single"`
	MaxRetries      int                   `yaml:"max_retries"`
	RetryBackoff    time.Duration         `yaml:"retry_backoff"`
	SurveyDelay     time.Duration         `yaml:"survey_delay"`
	SingleDelay     time.Duration         `yaml:"single_delay"`
}

// LabelboxConfig names every Labelbox resource the pipeline creates
type LabelboxConfig struct {
	Endpoint                   string  `yaml:"endpoint"`
	ToolName                   string  `yaml:"tool_name"`
	ToolColor                  string  `yaml:"tool_color"`
	ClassificationName         string  `yaml:"classification_name"`
	ClassificationInstructions string  `yaml:"classification_instructions"`
	GlobalKeyPrefix            string  `yaml:"global_key_prefix"`
	ConfidenceThresholdBoxes   float64 `yaml:"confidence_threshold_boxes"`
	ConfidenceThresholdMasks   float64 `yaml:"confidence_threshold_masks"`

	OntologyNameBoxes string `yaml:"ontology_name_boxes"`
	OntologyNameMasks string `yaml:"ontology_name_masks"`
	OntologyNameClass string `yaml:"ontology_name_class"`

	ProjectNameBoxes        string `yaml:"project_name_boxes"`
	ProjectNameMasks        string `yaml:"project_name_masks"`
	ProjectNameClass        string `yaml:"project_name_class"`
	ProjectDescriptionBoxes string `yaml:"project_description_boxes"`
	ProjectDescriptionMasks string `yaml:"project_description_masks"`
	ProjectDescriptionClass string `yaml:"project_description_class"`

	ModelNameBoxes string `yaml:"model_name_boxes"`
	ModelNameMasks string `yaml:"model_name_masks"`
	ModelNameClass string `yaml:"model_name_class"`

	ModelRunNameBoxes string `yaml:"model_run_name_boxes"`
	ModelRunNameMasks string `yaml:"model_run_name_masks"`
	ModelRunNameClass string `yaml:"model_run_name_class"`

	DatasetName        string `yaml:"dataset_name"`
	DatasetDescription string `yaml:"dataset_description"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// FoldersConfig holds the input and output folders
type FoldersConfig struct {
	Images            string `yaml:"images"`
	OutputSpecies     string `yaml:"output_species"`
	OutputPredictions string `yaml:"output_predictions"`
	OutputBoxes       string `yaml:"output_boxes"`
	OutputMasks       string `yaml:"output_masks"`
	OutputClass       string `yaml:"output_class"`
	OutputImages      string `yaml:"output_images"`
}

// VisionConfig configures the local survey backend
type VisionConfig struct {
	Backend     string  `yaml:"backend"` // ollama or llamacpp
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	MinScore    float64 `yaml:"min_score"`
	TargetSize  int     `yaml:"target_size"`
	MinCoverage float64 `yaml:"min_coverage"`
}

// MasksConfig controls composite mask generation
type MasksConfig struct {
	ColorMode    string `yaml:"color_mode"` // hash or even
	Format       string `yaml:"format"`     // png or webp
	DebugOverlay bool   `yaml:"debug_overlay"`
	OverlayMax   int    `yaml:"overlay_max_dim"`
}

// StateConfig locates the resource registry
type StateConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		PlantNet: PlantNetConfig{
			APIBase:         plantnet.DefaultBaseURL,
			Project:         "k-world-flora",
			ProjectName:     "World flora",
			SpeciesPageSize: 1000,
			Lang:            "en",
			Survey:          plantnet.DefaultSurveyParams(),
			Single:          plantnet.DefaultSingleParams(),
			MaxRetries:      3,
			RetryBackoff:    5 * time.Second,
			SurveyDelay:     2 * time.Second,
			SingleDelay:     time.Second,
		},
		Labelbox: LabelboxConfig{
			ToolName:                   "Tree",
			ToolColor:                  "#00FF00",
			ClassificationName:         "Species",
			ClassificationInstructions: "Tree species",
			GlobalKeyPrefix:            "tree-",
			ConfidenceThresholdBoxes:   0.10,
			ConfidenceThresholdMasks:   0.10,
			OntologyNameBoxes:          "Tree Species Boxes",
			OntologyNameMasks:          "Tree Species Masks",
			OntologyNameClass:          "Tree Species Classification",
			ProjectNameBoxes:           "Tree Species Boxes",
			ProjectNameMasks:           "Tree Species Masks",
			ProjectNameClass:           "Tree Species Classification",
			ProjectDescriptionBoxes:    "Bounding boxes of tree species from Pl@ntNet survey predictions",
			ProjectDescriptionMasks:    "Segmentation masks of tree species from Pl@ntNet survey predictions",
			ProjectDescriptionClass:    "Whole-image tree species classification",
			ModelNameBoxes:             "plantnet-survey-boxes",
			ModelNameMasks:             "plantnet-survey-masks",
			ModelNameClass:             "plantnet-single-class",
			ModelRunNameBoxes:          "boxes-v1",
			ModelRunNameMasks:          "masks-v1",
			ModelRunNameClass:          "class-v1",
			DatasetName:                "Drone tree images",
			DatasetDescription:         "Drone imagery for tree species annotation",
			PollInterval:               5 * time.Second,
			MaxPolls:                   120,
		},
		Folders: FoldersConfig{
			Images:            "./images",
			OutputSpecies:     "./output/species",
			OutputPredictions: "./output/predictions",
			OutputBoxes:       "./output/boxes",
			OutputMasks:       "./output/masks",
			OutputClass:       "./output/class",
			OutputImages:      "./output/images",
		},
		Storage: storage.Config{
			Driver:    storage.DriverFilesystem,
			Root:      "./output/masks",
			URLExpiry: storage.DefaultURLExpiry,
		},
		Vision: VisionConfig{
			Backend:     "ollama",
			URL:         "http://localhost:11434",
			Model:       "qwen2.5vl:7b",
			MinScore:    0.05,
			TargetSize:  448,
			MinCoverage: 0.25,
		},
		Masks: MasksConfig{
			ColorMode:  "hash",
			Format:     "png",
			OverlayMax: 2048,
		},
		State: StateConfig{Path: "./output/state.db"},
	}
}

// LoadFromFile loads configuration from a YAML file. Missing keys keep their
// defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadSecrets reads PLANTNET_API_KEY and LABELBOX_API_KEY from the
// environment after loading envFile (if it exists). Variables already set in
// the environment win over the file.
func (c *Config) LoadSecrets(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}
	c.PlantNetAPIKey = secret(os.Getenv("PLANTNET_API_KEY"))
	c.LabelboxAPIKey = secret(os.Getenv("LABELBOX_API_KEY"))
	return nil
}

// RequirePlantNet fails when no usable Pl@ntNet key was loaded
func (c *Config) RequirePlantNet() error {
	if c.PlantNetAPIKey == "" {
		return fmt.Errorf("PLANTNET_API_KEY not set, check your .env file")
	}
	return nil
}

// RequireLabelbox fails when no usable Labelbox key was loaded
func (c *Config) RequireLabelbox() error {
	if c.LabelboxAPIKey == "" {
		return fmt.Errorf("LABELBOX_API_KEY not set, check your .env file")
	}
	return nil
}

// secret drops template placeholders such as "your_plantnet_api_key_here"
func secret(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "your_") && strings.HasSuffix(v, "_here") {
		return ""
	}
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PlantNet.Project == "" {
		return fmt.Errorf("plantnet.project cannot be empty")
	}

	if c.PlantNet.SpeciesPageSize < 1 {
		return fmt.Errorf("plantnet.species_page_size must be positive")
	}

	if c.PlantNet.Survey.TileSize < 518 {
		return fmt.Errorf("plantnet.survey.tile_size must be at least 518")
	}

	if c.PlantNet.Survey.TileStride < 1 {
		return fmt.Errorf("plantnet.survey.tile_stride must be positive")
	}

	if c.PlantNet.Survey.MinScore < 0 || c.PlantNet.Survey.MinScore > 1 {
		return fmt.Errorf("plantnet.survey.min_score must be between 0 and 1")
	}

	if c.PlantNet.MaxRetries < 1 {
		return fmt.Errorf("plantnet.max_retries must be at least 1")
	}

	for name, v := range map[string]float64{
		"labelbox.confidence_threshold_boxes": c.Labelbox.ConfidenceThresholdBoxes,
		"labelbox.confidence_threshold_masks": c.Labelbox.ConfidenceThresholdMasks,
		"vision.min_score":                    c.Vision.MinScore,
		"vision.min_coverage":                 c.Vision.MinCoverage,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}

	if c.Labelbox.ToolName == "" || c.Labelbox.ClassificationInstructions == "" {
		return fmt.Errorf("labelbox.tool_name and labelbox.classification_instructions are required")
	}

	if c.Folders.Images == "" {
		return fmt.Errorf("folders.images cannot be empty")
	}

	switch c.Vision.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("vision.backend must be ollama or llamacpp")
	}

	switch c.Masks.Format {
	case "png", "webp":
	default:
		return fmt.Errorf("masks.format must be png or webp")
	}

	switch c.Masks.ColorMode {
	case "hash", "even":
	default:
		return fmt.Errorf("masks.color_mode must be hash or even")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "tree-annotator", "config.yaml")
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/menta2k/tree-annotator/internal/config"
	"github.com/menta2k/tree-annotator/internal/logging"
	"github.com/menta2k/tree-annotator/internal/pipeline"
	"github.com/menta2k/tree-annotator/pkg/labelbox"
)

var steps = []struct {
	name string
	help string
}{
	{"init-config", "write the default configuration to -config"},
	{"fetch-species", "download the project species list (species_list.csv)"},
	{"create-ontology", "create the Labelbox ontology for -kind"},
	{"create-project", "create the Labelbox project for -kind and connect its ontology"},
	{"upload-images", "upload the input images into the shared dataset"},
	{"predict-survey", "run the multi-species survey with -backend"},
	{"predict-single", "run single-species identification"},
	{"mock-predictions", "write fake survey predictions with -seed"},
	{"build-masks", "paint composite species masks from the survey predictions"},
	{"import-boxes", "import bounding-box predictions"},
	{"import-masks", "import mask predictions"},
	{"import-classes", "import global classifications"},
	{"status", "list the Labelbox resources recorded so far"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <step>\n\nsteps:\n", filepath.Base(os.Args[0]))
	for _, s := range steps {
		fmt.Fprintf(os.Stderr, "  %-17s %s\n", s.name, s.help)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	var configPath, envFile, kindName, backend, logFile string
	var seed int64

	flag.StringVar(&configPath, "config", config.GetConfigPath(), "configuration file (YAML)")
	flag.StringVar(&envFile, "env", ".env", "file with PLANTNET_API_KEY and LABELBOX_API_KEY")
	flag.StringVar(&kindName, "kind", "boxes", "annotation workflow: boxes|masks|class")
	flag.StringVar(&backend, "backend", pipeline.BackendPlantNet, "survey backend: plantnet|local")
	flag.Int64Var(&seed, "seed", 42, "random seed for mock-predictions")
	flag.StringVar(&logFile, "log", "", "also append log output to this file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	step := strings.ToLower(flag.Arg(0))

	logger := logging.Default()
	if logFile != "" {
		l, closer, err := logging.WithFile(logFile)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer closer.Close()
		logger = l
	}

	if step == "init-config" {
		if err := config.Default().SaveToFile(configPath); err != nil {
			log.Fatal(err)
		}
		logger.Info("wrote %s", configPath)
		return
	}

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadSecrets(envFile); err != nil {
		log.Fatal(err)
	}
	if err := requireSecrets(cfg, step); err != nil {
		log.Fatal(err)
	}
	kind, err := labelbox.ParseKind(kindName)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := pipeline.NewEnv(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer env.Close()

	result, err := run(ctx, env, step, kind, backend, seed)
	if js, jerr := json.MarshalIndent(result, "", "  "); jerr == nil && string(js) != "null" {
		fmt.Println(string(js))
	}
	if err != nil {
		logger.Error("%s: %v", step, err)
		env.Close()
		os.Exit(1)
	}
}

func loadConfig(path string, logger *logging.Logger) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warning("%s not found, using defaults (run init-config to create it)", path)
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

// requireSecrets fails early for steps that cannot run without an API key
func requireSecrets(cfg *config.Config, step string) error {
	switch step {
	case "fetch-species", "predict-single":
		return cfg.RequirePlantNet()
	case "create-ontology", "create-project", "upload-images", "import-boxes", "import-masks", "import-classes":
		return cfg.RequireLabelbox()
	}
	return nil
}

func run(ctx context.Context, env *pipeline.Env, step string, kind labelbox.Kind, backend string, seed int64) (interface{}, error) {
	switch step {
	case "fetch-species":
		return pipeline.FetchSpecies(ctx, env)
	case "create-ontology":
		return pipeline.CreateOntology(ctx, env, kind)
	case "create-project":
		return pipeline.CreateProject(ctx, env, kind)
	case "upload-images":
		return pipeline.UploadImages(ctx, env)
	case "predict-survey":
		if backend == pipeline.BackendPlantNet {
			if err := env.Config.RequirePlantNet(); err != nil {
				return nil, err
			}
		}
		return pipeline.PredictSurvey(ctx, env, backend)
	case "predict-single":
		return pipeline.PredictSingle(ctx, env)
	case "mock-predictions":
		return pipeline.MockPredictions(ctx, env, seed)
	case "build-masks":
		return pipeline.BuildMasks(ctx, env)
	case "import-boxes":
		return pipeline.ImportBoxes(ctx, env)
	case "import-masks":
		return pipeline.ImportMasks(ctx, env)
	case "import-classes":
		return pipeline.ImportClassifications(ctx, env)
	case "status":
		return env.State.All(ctx)
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
}

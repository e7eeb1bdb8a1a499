package pipeline

import (
	"path/filepath"

	"github.com/menta2k/tree-annotator/internal/report"
)

// ImageFailure records one image a batch step could not process
type ImageFailure struct {
	Image string `json:"image"`
	Error string `json:"error"`
}

// RunSummary is returned by the per-image steps
type RunSummary struct {
	Step      string         `json:"step"`
	Processed int            `json:"images_processed"`
	Skipped   int            `json:"images_skipped"`
	Failures  []ImageFailure `json:"failures,omitempty"`
	Output    string         `json:"output,omitempty"`
}

func (s *RunSummary) fail(image string, err error) {
	s.Failures = append(s.Failures, ImageFailure{Image: filepath.Base(image), Error: err.Error()})
}

// ImportSummary is written next to the predictions of each import kind
type ImportSummary struct {
	Kind                string                `json:"kind"`
	ModelName           string                `json:"model_name"`
	ModelID             string                `json:"model_id"`
	ModelRunName        string                `json:"model_run_name"`
	ModelRunID          string                `json:"model_run_id"`
	ImportName          string                `json:"import_name"`
	ConfidenceThreshold float64               `json:"confidence_threshold"`
	ImagesProcessed     int                   `json:"images_processed"`
	ImagesSkipped       int                   `json:"images_skipped"`
	TotalAnnotations    int                   `json:"total_annotations"`
	SpeciesSkipped      int                   `json:"species_skipped"`
	UploadSuccess       int                   `json:"upload_success"`
	UploadFailure       int                   `json:"upload_failure"`
	UploadErrors        []string              `json:"upload_errors,omitempty"`
	Confidence          report.Summary        `json:"confidence"`
	Species             []report.SpeciesCount `json:"species"`
	Failures            []ImageFailure        `json:"failures,omitempty"`
	Timestamp           string                `json:"timestamp"`
}

// UploadSummary is written by UploadImages
type UploadSummary struct {
	DatasetID   string         `json:"dataset_id"`
	DatasetName string         `json:"dataset_name"`
	NumImages   int            `json:"num_images"`
	GlobalKeys  []string       `json:"global_keys"`
	Filenames   []string       `json:"filenames"`
	Reused      int            `json:"already_present"`
	Failures    []ImageFailure `json:"failures,omitempty"`
}

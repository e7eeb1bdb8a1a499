// Package storage keeps pipeline artifacts (composite masks, overlays) in a
// blob store so the labeling platform can fetch them by URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Driver names a storage backend
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverMemory     Driver = "memory"
	DriverS3         Driver = "s3"
)

var (
	// ErrUnsupported is returned by drivers that cannot sign URLs
	ErrUnsupported = errors.New("operation not supported by storage driver")
	// ErrNotFound is returned for missing keys
	ErrNotFound = errors.New("object not found")
)

// PutOptions carries optional object attributes
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is the artifact store used by the mask step. Put overwrites existing
// keys so a re-run replaces the previous artifacts.
type Store interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config selects and configures a driver
type Config struct {
	Driver    Driver        `yaml:"driver"`
	Root      string        `yaml:"root"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
	Prefix    string        `yaml:"prefix"`
	PathStyle bool          `yaml:"path_style"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// Open builds the store named by cfg.Driver. An empty driver means the
// filesystem store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case "", DriverFilesystem:
		return NewFS(cfg.Root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func sanitizeKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return k, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package plantnet is a client for the Pl@ntNet identification API: project
// species lists, survey (multi-species tiles) and single-species identify.
package plantnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrQuotaExceeded is returned on HTTP 429. Runs stop on it.
	ErrQuotaExceeded = errors.New("plantnet: quota exceeded")
	// ErrUnexpectedResponse is returned when a payload has an unknown shape
	ErrUnexpectedResponse = errors.New("plantnet: unexpected response")
)

// DefaultBaseURL is the public API host
const DefaultBaseURL = "https://my-api.plantnet.org"

// SurveyParams are the tiling and filtering parameters of the survey endpoint
type SurveyParams struct {
	TileSize    int     `yaml:"tile_size" json:"tile_size"`
	TileStride  int     `yaml:"tile_stride" json:"tile_stride"`
	MultiScale  bool    `yaml:"multi_scale" json:"multi_scale"`
	MinScore    float64 `yaml:"min_score" json:"min_score"`
	MaxRank     int     `yaml:"max_rank" json:"max_rank"`
	ShowSpecies bool    `yaml:"show_species" json:"show_species"`
	ShowGenus   bool    `yaml:"show_genus" json:"show_genus"`
	ShowFamily  bool    `yaml:"show_family" json:"show_family"`
}

// DefaultSurveyParams mirrors the API defaults used by the pipeline
func DefaultSurveyParams() SurveyParams {
	return SurveyParams{
		TileSize:    518,
		TileStride:  259,
		MinScore:    0.10,
		MaxRank:     1,
		ShowSpecies: true,
	}
}

// SingleParams are the parameters of the single-species identify endpoint
type SingleParams struct {
	Organs               string `yaml:"organs" json:"organs"`
	NbResults            int    `yaml:"nb_results" json:"nb_results"`
	NoReject             bool   `yaml:"no_reject" json:"no_reject"`
	IncludeRelatedImages bool   `yaml:"include_related_images" json:"include_related_images"`
	Lang                 string `yaml:"lang" json:"lang"`
}

// DefaultSingleParams returns the identify defaults
func DefaultSingleParams() SingleParams {
	return SingleParams{Organs: "auto", NbResults: 5, NoReject: true, Lang: "en"}
}

// Client talks to one Pl@ntNet project
type Client struct {
	baseURL    string
	project    string
	apiKey     string
	httpClient *http.Client

	// MaxRetries is the number of attempts per request
	MaxRetries int
	// Backoff is multiplied by the attempt number between attempts
	Backoff time.Duration
}

// NewClient creates a client for project. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, project, apiKey string) (*Client, error) {
	if project == "" {
		return nil, fmt.Errorf("plantnet: project is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("plantnet: api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		project:    project,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		MaxRetries: 3,
		Backoff:    5 * time.Second,
	}, nil
}

// Project returns the project slug
func (c *Client) Project() string { return c.project }

func (c *Client) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-key", c.apiKey)
	return c.baseURL + path + "?" + query.Encode()
}

// do sends the request built by build, retrying transport errors and
// non-200 statuses. A 429 is returned immediately as ErrQuotaExceeded.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	attempts := c.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		body, status, err := c.send(req.WithContext(ctx))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, truncate(body, 300))
		default:
			lastErr = fmt.Errorf("HTTP %d: %s", status, truncate(body, 300))
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Backoff * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// multipartBody writes the file under field plus the plain form fields
func multipartBody(field, path string, fields [][2]string) (*bytes.Buffer, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := filepath.Base(path)
	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ctype == "" {
		ctype = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, name))
	h.Set("Content-Type", ctype)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

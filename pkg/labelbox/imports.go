package labelbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Import states reported by the platform
const (
	StateRunning  = "RUNNING"
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
)

// ImportResult is the outcome of one prediction import
type ImportResult struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Success int      `json:"success"`
	Failure int      `json:"failure"`
	Errors  []string `json:"errors,omitempty"`
}

type importStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	StatusFileURL string `json:"statusFileUrl"`
}

// ImportPredictions uploads NDJSON predictions to a model run and waits for
// the import to finish.
func (c *Client) ImportPredictions(ctx context.Context, modelRunID, name string, ndjson []byte) (*ImportResult, error) {
	fileURL, err := c.UploadFile(ctx, name+".ndjson", ndjson)
	if err != nil {
		return nil, err
	}

	const q = `mutation CreatePredictionImport($modelRunId: ID!, $name: String!, $fileUrl: String!) {
  createModelErrorAnalysisPredictionImport(data: {modelRunId: $modelRunId, name: $name, fileUrl: $fileUrl}) {
    id name state statusFileUrl
  }
}`
	var out struct {
		Import importStatus `json:"createModelErrorAnalysisPredictionImport"`
	}
	vars := map[string]any{"modelRunId": modelRunID, "name": name, "fileUrl": fileURL}
	if err := c.query(ctx, q, vars, &out); err != nil {
		return nil, fmt.Errorf("create import %s: %w", name, err)
	}
	return c.waitImport(ctx, out.Import)
}

func (c *Client) waitImport(ctx context.Context, st importStatus) (*ImportResult, error) {
	const q = `query PredictionImport($id: ID!) {
  modelErrorAnalysisPredictionImport(where: {id: $id}) { id name state statusFileUrl }
}`
	for poll := 0; st.State != StateFinished && st.State != StateFailed; poll++ {
		if poll >= c.MaxPolls {
			return nil, fmt.Errorf("import %s still %s after %d polls", st.ID, st.State, poll)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollInterval):
		}

		var out struct {
			Import importStatus `json:"modelErrorAnalysisPredictionImport"`
		}
		if err := c.query(ctx, q, map[string]any{"id": st.ID}, &out); err != nil {
			return nil, err
		}
		st = out.Import
	}

	res := &ImportResult{ID: st.ID, Name: st.Name, State: st.State}
	if st.StatusFileURL != "" {
		if err := c.readStatuses(ctx, st.StatusFileURL, res); err != nil {
			return res, err
		}
	}
	if st.State == StateFailed {
		return res, fmt.Errorf("import %s failed", st.ID)
	}
	return res, nil
}

// readStatuses tallies the per-row NDJSON status file
func (c *Client) readStatuses(ctx context.Context, url string, res *ImportResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch import statuses: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch import statuses: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			Status string            `json:"status"`
			Errors []json.RawMessage `json:"errors"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		switch row.Status {
		case "SUCCESS":
			res.Success++
		case "FAILURE":
			res.Failure++
			for _, e := range row.Errors {
				if len(res.Errors) < 5 {
					res.Errors = append(res.Errors, string(e))
				}
			}
		}
	}
	return sc.Err()
}

package labelbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

// UploadFile stores content on the platform and returns a signed URL that can
// be used as row data or as an import file.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	const q = `mutation UploadFile($file: Upload!, $contentLength: Int!, $sign: Boolean) {
  uploadFile(file: $file, contentLength: $contentLength, sign: $sign) { url filename }
}`
	ops, err := json.Marshal(gqlRequest{Query: q, Variables: map[string]any{
		"file":          nil,
		"contentLength": len(content),
		"sign":          true,
	}})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("operations", string(ops)); err != nil {
		return "", err
	}
	if err := w.WriteField("map", `{"1": ["variables.file"]}`); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("1", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		UploadFile struct {
			URL string `json:"url"`
		} `json:"uploadFile"`
	}
	if err := c.send(req, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if out.UploadFile.URL == "" {
		return "", fmt.Errorf("upload %s: empty url", filename)
	}
	return out.UploadFile.URL, nil
}

// DataRow is one asset to create in a dataset
type DataRow struct {
	RowData    string `json:"rowData"`
	GlobalKey  string `json:"globalKey"`
	ExternalID string `json:"externalId"`
}

// CreateDataRows appends rows to a dataset and returns the created ids keyed
// by global key.
func (c *Client) CreateDataRows(ctx context.Context, datasetID string, rows []DataRow) (map[string]string, error) {
	const q = `mutation CreateDataRows($datasetId: ID!, $rows: [DataRowCreateInput!]!) {
  createDataRows(data: {datasetId: $datasetId, dataRows: $rows}) { id globalKey }
}`
	var out struct {
		CreateDataRows []struct {
			ID        string `json:"id"`
			GlobalKey string `json:"globalKey"`
		} `json:"createDataRows"`
	}
	if err := c.query(ctx, q, map[string]any{"datasetId": datasetID, "rows": rows}, &out); err != nil {
		return nil, fmt.Errorf("create data rows: %w", err)
	}
	ids := make(map[string]string, len(out.CreateDataRows))
	for _, r := range out.CreateDataRows {
		ids[r.GlobalKey] = r.ID
	}
	return ids, nil
}

// DatasetGlobalKeys lists the global keys of every data row in a dataset
func (c *Client) DatasetGlobalKeys(ctx context.Context, datasetID string) ([]string, error) {
	const q = `query DatasetDataRows($id: ID!, $after: String) {
  dataset(where: {id: $id}) {
    dataRows(first: 100, after: $after) {
      nodes { id globalKey }
      pageInfo { endCursor hasNextPage }
    }
  }
}`
	var keys []string
	var after any
	for {
		var out struct {
			Dataset *struct {
				DataRows struct {
					Nodes []struct {
						GlobalKey string `json:"globalKey"`
					} `json:"nodes"`
					PageInfo struct {
						EndCursor   string `json:"endCursor"`
						HasNextPage bool   `json:"hasNextPage"`
					} `json:"pageInfo"`
				} `json:"dataRows"`
			} `json:"dataset"`
		}
		if err := c.query(ctx, q, map[string]any{"id": datasetID, "after": after}, &out); err != nil {
			return nil, err
		}
		if out.Dataset == nil {
			return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, datasetID)
		}
		for _, n := range out.Dataset.DataRows.Nodes {
			if n.GlobalKey != "" {
				keys = append(keys, n.GlobalKey)
			}
		}
		if !out.Dataset.DataRows.PageInfo.HasNextPage {
			return keys, nil
		}
		after = out.Dataset.DataRows.PageInfo.EndCursor
	}
}

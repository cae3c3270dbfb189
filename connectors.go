package conduit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileConnector reads and writes tabular data files. Supported formats are
// csv, json (an array of objects) and ndjson (one object per line); when no
// format is configured the file extension decides.
type FileConnector struct{}

// Ensure FileConnector implements both collaborator interfaces.
var (
	_ DataReader = (*FileConnector)(nil)
	_ DataWriter = (*FileConnector)(nil)
)

// NewFileConnector creates a file connector.
func NewFileConnector() *FileConnector {
	return &FileConnector{}
}

func fileFormat(config map[string]any, path string) (string, error) {
	if f, ok := config["format"].(string); ok && f != "" {
		return f, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv", nil
	case ".json":
		return "json", nil
	case ".ndjson", ".jsonl":
		return "ndjson", nil
	}
	return "", fmt.Errorf("cannot infer format of %q, set the format key", path)
}

// Read implements DataReader for local files.
func (f *FileConnector) Read(ctx context.Context, source string, config map[string]any) (*Dataset, map[string]any, error) {
	if source != "file" {
		return nil, nil, fmt.Errorf("file connector cannot read from source %q", source)
	}
	path, ok := config["path"].(string)
	if !ok || path == "" {
		return nil, nil, fmt.Errorf("file extraction requires a path")
	}
	format, err := fileFormat(config, path)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %q: %w", path, err)
	}

	var data *Dataset
	switch format {
	case "csv":
		data, err = decodeCSV(raw)
	case "json":
		data, err = decodeJSONArray(raw)
	case "ndjson":
		data, err = decodeNDJSON(raw)
	default:
		return nil, nil, fmt.Errorf("unsupported file format %q", format)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("decoding %q as %s: %w", path, format, err)
	}

	metadata := map[string]any{
		"source_path": path,
		"format":      format,
	}
	return data, metadata, nil
}

// Write implements DataWriter for local files.
func (f *FileConnector) Write(ctx context.Context, destination string, data *Dataset, config map[string]any) (map[string]any, error) {
	if destination != "file" {
		return nil, fmt.Errorf("file connector cannot write to destination %q", destination)
	}
	path, ok := config["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("file load requires a path")
	}
	format, err := fileFormat(config, path)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch format {
	case "csv":
		raw, err = encodeCSV(data)
	case "json":
		raw, err = json.MarshalIndent(data.Records, "", "  ")
	case "ndjson":
		raw, err = encodeNDJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", format, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("writing %q: %w", path, err)
	}

	return map[string]any{
		"path":          path,
		"format":        format,
		"written_count": data.Len(),
	}, nil
}

func decodeCSV(raw []byte) (*Dataset, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Dataset{}, nil
	}
	columns := rows[0]
	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return &Dataset{Columns: columns, Records: records}, nil
}

func decodeJSONArray(raw []byte) (*Dataset, error) {
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		// A single object becomes a one-record dataset.
		var single map[string]any
		if errSingle := json.Unmarshal(raw, &single); errSingle != nil {
			return nil, err
		}
		records = []map[string]any{single}
	}
	return NewDataset(records), nil
}

func decodeNDJSON(raw []byte) (*Dataset, error) {
	var records []map[string]any
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		records = append(records, record)
	}
	return NewDataset(records), nil
}

func encodeCSV(data *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(data.Columns); err != nil {
		return nil, err
	}
	row := make([]string, len(data.Columns))
	for _, record := range data.Records {
		for i, col := range data.Columns {
			if v, ok := record[col]; ok && v != nil {
				row[i] = fmt.Sprintf("%v", v)
			} else {
				row[i] = ""
			}
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	return buf.Bytes(), writer.Error()
}

func encodeNDJSON(data *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range data.Records {
		if err := encoder.Encode(record); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// HTTPConnector reads from JSON HTTP APIs and uploads records to FHIR-style
// REST servers. An auth_token config entry becomes a bearer token.
type HTTPConnector struct {
	client *http.Client
}

// Ensure HTTPConnector implements both collaborator interfaces.
var (
	_ DataReader = (*HTTPConnector)(nil)
	_ DataWriter = (*HTTPConnector)(nil)
)

// NewHTTPConnector creates a connector with the given client. A nil client
// uses a default with a 30 second timeout.
func NewHTTPConnector(client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPConnector{client: client}
}

func applyAuth(req *http.Request, config map[string]any) {
	if token, ok := config["auth_token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Read implements DataReader for JSON APIs. The response body must be a JSON
// array of objects or a single object.
func (h *HTTPConnector) Read(ctx context.Context, source string, config map[string]any) (*Dataset, map[string]any, error) {
	if source != "api" {
		return nil, nil, fmt.Errorf("http connector cannot read from source %q", source)
	}
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, nil, fmt.Errorf("api extraction requires a url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	applyAuth(req, config)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("requesting %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("request to %q returned %s", url, resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response from %q: %w", url, err)
	}
	data, err := decodeJSONArray(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding response from %q: %w", url, err)
	}

	metadata := map[string]any{
		"source_url":  url,
		"status_code": resp.StatusCode,
	}
	return data, metadata, nil
}

// Write implements DataWriter for FHIR-style servers: each record is posted
// as a JSON document to the configured endpoint.
func (h *HTTPConnector) Write(ctx context.Context, destination string, data *Dataset, config map[string]any) (map[string]any, error) {
	if destination != "fhir_server" {
		return nil, fmt.Errorf("http connector cannot write to destination %q", destination)
	}
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("fhir_server load requires an endpoint")
	}

	var lastStatus int
	for i, record := range data.Records {
		body, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encoding record %d: %w", i, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/fhir+json")
		applyAuth(req, config)

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("uploading record %d: %w", i, err)
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("uploading record %d: server returned %s", i, resp.Status)
		}
	}

	return map[string]any{"status_code": lastStatus}, nil
}

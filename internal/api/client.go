package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	PathSearch      = "/api/search-devices"
	PathBulkIFU     = "/api/bulk-ifu"
	PathEquivalence = "/api/predicate-equivalence"
	PathChat        = "/api/chat"
	PathUpload      = "/api/upload-pdf"
	PathHealth      = "/health"
)

// maxErrorBody bounds how much of a failed response is kept for the message.
const maxErrorBody = 4096

// Client talks to the vera backend.
type Client struct {
	BaseURL string
	client  *http.Client
	// stream has no overall timeout; chat bodies are bounded by the caller's context.
	stream *http.Client
}

// NewClient creates a new backend client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// envelope is the loosely-typed view of a response, validated before use.
type envelope struct {
	Success  *bool           `json:"success"`
	Error    *string         `json:"error"`
	Detail   json.RawMessage `json:"detail"`
	Result   json.RawMessage `json:"result"`
	Analysis json.RawMessage `json:"analysis"`
}

// SearchDevices runs a device search.
func (c *Client) SearchDevices(ctx context.Context, params SearchParams) (*SearchResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	env, err := c.post(ctx, PathSearch, SearchRequest{SearchParams: params})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if isNull(env.Result) {
		return nil, fmt.Errorf("%w: search: missing result", ErrProtocol)
	}

	var result SearchResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: search: decoding result: %w", ErrProtocol, err)
	}
	for i, d := range append(append([]Device{}, result.WithArtifact...), result.WithoutArtifact...) {
		if strings.TrimSpace(d.KNumber) == "" {
			return nil, fmt.Errorf("%w: search: device %d has no k_number", ErrProtocol, i)
		}
	}
	return &result, nil
}

// BulkIFU requests IFU extraction for every id in one call.
func (c *Client) BulkIFU(ctx context.Context, ids []string) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no devices selected", ErrValidation)
	}

	env, err := c.post(ctx, PathBulkIFU, BulkRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("bulk IFU: %w", err)
	}
	if isNull(env.Result) {
		return nil, fmt.Errorf("%w: bulk IFU: missing result", ErrProtocol)
	}

	var raw struct {
		Extractions    *[]Extraction  `json:"extractions"`
		Summary        map[string]int `json:"summary"`
		TotalProcessed int            `json:"total_processed"`
	}
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return nil, fmt.Errorf("%w: bulk IFU: decoding result: %w", ErrProtocol, err)
	}
	if raw.Extractions == nil {
		return nil, fmt.Errorf("%w: bulk IFU: missing extractions", ErrProtocol)
	}
	for i, e := range *raw.Extractions {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("%w: bulk IFU: extraction %d has no id", ErrProtocol, i)
		}
		if !e.Status.Valid() {
			return nil, fmt.Errorf("%w: bulk IFU: extraction %s has unknown status %q", ErrProtocol, e.ID, e.Status)
		}
	}

	return &BulkResult{
		Extractions:    *raw.Extractions,
		Summary:        raw.Summary,
		TotalProcessed: raw.TotalProcessed,
	}, nil
}

// CheckEquivalence asks the backend to compare statement against the
// predicate device's IFU.
func (c *Client) CheckEquivalence(ctx context.Context, statement, targetID string) (*Analysis, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, fmt.Errorf("%w: comparison statement is empty", ErrValidation)
	}
	if strings.TrimSpace(targetID) == "" {
		return nil, fmt.Errorf("%w: no target device", ErrValidation)
	}

	env, err := c.post(ctx, PathEquivalence, AnalysisRequest{Context: statement, TargetID: targetID})
	if err != nil {
		return nil, fmt.Errorf("equivalence %s: %w", targetID, err)
	}
	if isNull(env.Analysis) {
		return nil, fmt.Errorf("%w: equivalence %s: missing analysis", ErrProtocol, targetID)
	}

	var raw struct {
		Equivalent  *bool      `json:"equivalent"`
		Reasons     []string   `json:"reasons"`
		Suggestions []string   `json:"suggestions"`
		Citations   []Citation `json:"citations"`
	}
	if err := json.Unmarshal(env.Analysis, &raw); err != nil {
		return nil, fmt.Errorf("%w: equivalence %s: decoding analysis: %w", ErrProtocol, targetID, err)
	}
	if raw.Equivalent == nil {
		return nil, fmt.Errorf("%w: equivalence %s: missing equivalent flag", ErrProtocol, targetID)
	}

	return &Analysis{
		Equivalent:  *raw.Equivalent,
		Reasons:     nonNil(raw.Reasons),
		Suggestions: nonNil(raw.Suggestions),
		Citations:   raw.Citations,
	}, nil
}

// Health checks that the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: %w", &ServerError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
	}

	return decodeEnvelope(resp.StatusCode, respBody)
}

func decodeEnvelope(status int, body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %w", ErrProtocol, err)
	}
	if env.Success == nil {
		return nil, fmt.Errorf("%w: envelope has no success field", ErrProtocol)
	}
	if !*env.Success {
		msg := ""
		if env.Error != nil {
			msg = *env.Error
		}
		return nil, &ServerError{Status: status, Message: msg}
	}
	return &env, nil
}

// errorMessage pulls a human-readable message out of a failed response,
// accepting both our envelope and a bare {"detail": "..."} body.
func errorMessage(status int, body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != nil && *env.Error != "" {
			return *env.Error
		}
		var detail string
		if len(env.Detail) > 0 && json.Unmarshal(env.Detail, &detail) == nil && detail != "" {
			return detail
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		return fmt.Sprintf("backend returned %d", status)
	}
	return fmt.Sprintf("backend returned %d: %s", status, text)
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

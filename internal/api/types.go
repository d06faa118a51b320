package api

import (
	"fmt"
	"strings"
)

// SearchParams are the operator-supplied search criteria.
type SearchParams struct {
	SearchTerm      string `json:"search_term,omitempty"`
	ProductCode     string `json:"product_code,omitempty"`
	MaxDownloads    int    `json:"max_downloads"`
	IncludeRecalled bool   `json:"include_recalled"`
}

// Validate checks the params before anything is sent.
func (p SearchParams) Validate() error {
	if strings.TrimSpace(p.SearchTerm) == "" && strings.TrimSpace(p.ProductCode) == "" {
		return fmt.Errorf("%w: must provide either a search term or a product code", ErrValidation)
	}
	if p.MaxDownloads < 0 {
		return fmt.Errorf("%w: max_downloads must not be negative", ErrValidation)
	}
	return nil
}

// Device is a 510(k) record returned by search. KNumber is its identity.
type Device struct {
	KNumber             string `json:"k_number"`
	DeviceName          string `json:"device_name"`
	Applicant           string `json:"applicant"`
	DecisionDate        string `json:"decision_date"`
	ProductCode         string `json:"product_code,omitempty"`
	HasDocument         bool   `json:"has_510k_document"`
	DocumentType        string `json:"document_type,omitempty"`
	DecisionDescription string `json:"decision_description,omitempty"`
	SafetyStatus        string `json:"safety_status,omitempty"`
}

// SearchSummary holds the counts reported alongside a search.
type SearchSummary struct {
	TotalFound            int `json:"total_found"`
	DevicesWithDocuments  int `json:"devices_with_documents"`
	DownloadsAttempted    int `json:"downloads_attempted"`
	DownloadsSuccessful   int `json:"downloads_successful"`
	MaxDownloadsRequested int `json:"max_downloads_requested"`
}

// SearchResult is the payload of a successful search.
type SearchResult struct {
	WithArtifact    []Device       `json:"with_artifact"`
	WithoutArtifact []Device       `json:"without_artifact"`
	Summary         *SearchSummary `json:"summary,omitempty"`
}

// ExtractionStatus is the per-device outcome of bulk IFU extraction.
type ExtractionStatus string

const (
	StatusSuccess          ExtractionStatus = "success"
	StatusNoArtifact       ExtractionStatus = "no_artifact"
	StatusNoContentFound   ExtractionStatus = "no_content_found"
	StatusExtractionFailed ExtractionStatus = "extraction_failed"
)

// Valid reports whether s is one of the known statuses.
func (s ExtractionStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusNoArtifact, StatusNoContentFound, StatusExtractionFailed:
		return true
	}
	return false
}

// Extraction is the enrichment record for one device.
type Extraction struct {
	ID           string           `json:"id"`
	DeviceName   string           `json:"device_name,omitempty"`
	Status       ExtractionStatus `json:"status"`
	Text         *string          `json:"text,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	ResourceURL  *string          `json:"resource_url,omitempty"`
}

// HasContent reports whether the record carries usable IFU text.
func (e Extraction) HasContent() bool {
	return e.Status == StatusSuccess && e.Text != nil && strings.TrimSpace(*e.Text) != ""
}

// BulkResult is the payload of a successful bulk enrichment call.
type BulkResult struct {
	Extractions    []Extraction   `json:"extractions"`
	Summary        map[string]int `json:"summary,omitempty"`
	TotalProcessed int            `json:"total_processed"`
}

// Citation points at the source a reason was drawn from.
type Citation struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Analysis is the outcome of one equivalence check.
type Analysis struct {
	Equivalent  bool       `json:"equivalent"`
	Reasons     []string   `json:"reasons"`
	Suggestions []string   `json:"suggestions"`
	Citations   []Citation `json:"citations"`
}

// ChatMessage is one turn sent to the chat endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request bodies.

type SearchRequest struct {
	SearchParams SearchParams `json:"search_params"`
}

type BulkRequest struct {
	IDs []string `json:"ids"`
}

type AnalysisRequest struct {
	Context  string `json:"context"`
	TargetID string `json:"target_id"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// Response envelopes, as written by the server.

type SearchResponse struct {
	Success bool          `json:"success"`
	Result  *SearchResult `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type BulkResponse struct {
	Success bool        `json:"success"`
	Result  *BulkResult `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type AnalysisResponse struct {
	Success  bool      `json:"success"`
	Analysis *Analysis `json:"analysis,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ErrorResponse is the body of any failed call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

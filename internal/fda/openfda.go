// Package fda searches the openFDA 510(k) database and knows where FDA
// publishes the clearance documents.
package fda

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/vera/internal/api"
)

const (
	DefaultOpenFDAURL     = "https://api.fda.gov/device/510k.json"
	DefaultDocumentBase   = "https://www.accessdata.fda.gov/cdrh_docs"
	defaultSearchLimit    = 10
	documentTypeSummary   = "summary"
	documentTypeStatement = "statement"
	safetyUnknown         = "unknown"
	SafetyRecalled        = "recalled"
)

// Client queries openFDA.
type Client struct {
	baseURL      string
	documentBase string
	limit        int
	client       *http.Client
}

// NewClient creates a new openFDA client. Empty URLs fall back to the
// public endpoints.
func NewClient(baseURL, documentBase string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultOpenFDAURL
	}
	if documentBase == "" {
		documentBase = DefaultDocumentBase
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		documentBase: strings.TrimRight(documentBase, "/"),
		limit:        defaultSearchLimit,
		client:       &http.Client{Timeout: timeout},
	}
}

// Query builds the openFDA search expression for params.
func Query(params api.SearchParams) (string, error) {
	term := strings.TrimSpace(params.SearchTerm)
	code := strings.TrimSpace(params.ProductCode)
	switch {
	case code != "" && term != "":
		return fmt.Sprintf(`product_code:"%s" AND device_name:"%s"`, code, term), nil
	case code != "":
		return fmt.Sprintf(`product_code:"%s"`, code), nil
	case term != "":
		return fmt.Sprintf(`device_name:"%s"`, term), nil
	}
	return "", fmt.Errorf("%w: must provide either a search term or a product code", api.ErrValidation)
}

type record struct {
	KNumber             string `json:"k_number"`
	DeviceName          string `json:"device_name"`
	Applicant           string `json:"applicant"`
	DecisionDate        string `json:"decision_date"`
	ProductCode         string `json:"product_code"`
	StatementOrSummary  string `json:"statement_or_summary"`
	DecisionDescription string `json:"decision_description"`
}

// Search returns the devices matching params, newest decision first.
// openFDA answers 404 when nothing matches; that is an empty result.
func (c *Client) Search(ctx context.Context, params api.SearchParams) ([]api.Device, error) {
	query, err := Query(params)
	if err != nil {
		return nil, err
	}

	values := url.Values{
		"search": {query},
		"limit":  {fmt.Sprintf("%d", c.limit)},
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openFDA request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Printf("openFDA found no devices for %s", query)
		return []api.Device{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openFDA returned status %d", resp.StatusCode)
	}

	var result struct {
		Results []record `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding openFDA response: %w", err)
	}

	devices := make([]api.Device, 0, len(result.Results))
	for _, r := range result.Results {
		d, ok := toDevice(r)
		if !ok {
			continue
		}
		devices = append(devices, d)
	}
	SortByDecisionDate(devices)

	log.Printf("Found %d devices from openFDA for %s", len(devices), query)
	return devices, nil
}

func toDevice(r record) (api.Device, bool) {
	k := strings.TrimSpace(r.KNumber)
	if len(k) < 3 {
		return api.Device{}, false
	}

	docType := strings.TrimSpace(r.StatementOrSummary)
	lower := strings.ToLower(docType)

	return api.Device{
		KNumber:             k,
		DeviceName:          orUnknown(r.DeviceName),
		Applicant:           orUnknown(r.Applicant),
		DecisionDate:        orUnknown(r.DecisionDate),
		ProductCode:         orUnknown(r.ProductCode),
		HasDocument:         lower == documentTypeSummary || lower == documentTypeStatement,
		DocumentType:        docType,
		DecisionDescription: orUnknown(r.DecisionDescription),
		SafetyStatus:        safetyUnknown,
	}, true
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Unknown"
	}
	return s
}

// SortByDecisionDate orders devices most recent first. Unparseable dates
// sort last.
func SortByDecisionDate(devices []api.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return parseDate(devices[i].DecisionDate).After(parseDate(devices[j].DecisionDate))
	})
}

func parseDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// YearDigits returns the path segment FDA uses for the clearance year of k.
// Years 00-09 use a single digit.
func YearDigits(k string) (string, bool) {
	if len(k) < 3 {
		return "", false
	}
	yy := k[1:3]
	if yy[0] < '0' || yy[0] > '9' || yy[1] < '0' || yy[1] > '9' {
		return "", false
	}
	if yy[0] == '0' {
		return yy[1:], true
	}
	return yy, true
}

// DocumentURL is where FDA publishes the 510(k) summary or statement for k.
func (c *Client) DocumentURL(k string) (string, bool) {
	yy, ok := YearDigits(k)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s/pdf%s/%s.pdf", c.documentBase, yy, k), true
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/database"
	"github.com/TobiSchelling/vera/internal/equivalence"
	"github.com/TobiSchelling/vera/internal/extract"
	"github.com/TobiSchelling/vera/internal/fda"
	"github.com/TobiSchelling/vera/internal/llm"
)

const openFDAResponse = `{"results":[
	{"k_number":"K191234","device_name":"Infusion Pump","applicant":"Acme","decision_date":"2019-05-01","product_code":"FRN","statement_or_summary":"Summary"},
	{"k_number":"K221111","device_name":"Infusion Pump II","applicant":"Acme","decision_date":"2022-03-10","product_code":"FRN","statement_or_summary":""}
]}`

const summaryPage = `<html><head><title>K191234</title></head><body><article>
<h1>510(k) Summary for the Acme Infusion Pump</h1>
<p>This summary of safety and effectiveness information is submitted in accordance with the
requirements of 21 CFR 807.92 and describes the device and the testing performed on it.</p>
<p>Indications for Use: The Acme Infusion Pump is intended for the controlled delivery of fluids
to adult patients in hospital environments by trained healthcare professionals.</p>
<p>Performance testing covered flow accuracy, occlusion detection and alarm behaviour, and all
acceptance criteria were met during bench testing of the production device.</p>
</article></body></html>`

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	chunks   []string
	failMid  bool
	messages []llm.Message
}

func (m *mockProvider) Generate(context.Context, string, string, int) (string, error) {
	return m.response, nil
}

func (m *mockProvider) Stream(_ context.Context, messages []llm.Message, _ int, fn func(string) error) error {
	m.messages = messages
	for _, c := range m.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	if m.failMid {
		return errors.New("model crashed")
	}
	return nil
}

func (m *mockProvider) IsConfigured() bool { return true }
func (m *mockProvider) Name() string       { return "mock" }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestServer wires the API to fake openFDA and document hosts and returns
// a client for it.
func newTestServer(t *testing.T, provider llm.Provider) (*api.Client, *database.DB) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/device/510k.json":
			fmt.Fprint(w, openFDAResponse)
		case strings.HasSuffix(r.URL.Path, "/pdf19/K191234.pdf"):
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, summaryPage)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(upstream.Close)

	db := openTestDB(t)
	client := fda.NewClient(upstream.URL+"/device/510k.json", upstream.URL+"/docs", 5*time.Second)
	extractor := extract.NewExtractor(client, t.TempDir(), 2, 5*time.Second)
	srv := New(Deps{
		DB:        db,
		Discovery: fda.NewDiscovery(client, nil, extractor),
		Extractor: extractor,
		Analyzer:  equivalence.NewAnalyzer(db, provider, 256),
		Provider:  provider,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return api.NewClient(ts.URL, 5*time.Second), db
}

func TestHealth(t *testing.T) {
	c, _ := newTestServer(t, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestSearchDevices(t *testing.T) {
	c, db := newTestServer(t, nil)

	result, err := c.SearchDevices(context.Background(), api.SearchParams{ProductCode: "FRN", MaxDownloads: 1})
	if err != nil {
		t.Fatalf("SearchDevices: %v", err)
	}
	if len(result.WithArtifact) != 1 || result.WithArtifact[0].KNumber != "K191234" {
		t.Errorf("unexpected with_artifact %+v", result.WithArtifact)
	}
	if len(result.WithoutArtifact) != 1 || result.WithoutArtifact[0].KNumber != "K221111" {
		t.Errorf("unexpected without_artifact %+v", result.WithoutArtifact)
	}
	if result.Summary == nil || result.Summary.DownloadsSuccessful != 1 {
		t.Errorf("unexpected summary %+v", result.Summary)
	}

	d, _ := db.GetDevice("K221111")
	if d == nil || d.DeviceName != "Infusion Pump II" {
		t.Errorf("expected device cached, got %+v", d)
	}
	searches, _ := db.GetRecentSearches(5)
	if len(searches) != 1 || searches[0].TotalFound != 2 {
		t.Errorf("expected search recorded, got %+v", searches)
	}
}

func TestSearchRejectsEmptyCriteria(t *testing.T) {
	c, _ := newTestServer(t, nil)

	// Bypass client-side validation to exercise the handler.
	resp, err := http.Post(c.BaseURL+api.PathSearch, "application/json", strings.NewReader(`{"search_params":{"max_downloads":0}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMalformedBody(t *testing.T) {
	c, _ := newTestServer(t, nil)
	for _, path := range []string{api.PathSearch, api.PathBulkIFU, api.PathEquivalence, api.PathChat} {
		resp, err := http.Post(c.BaseURL+path, "application/json", strings.NewReader("{not json"))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body), `"success":false`) {
			t.Errorf("%s: expected error envelope, got %s", path, body)
		}
	}
}

func TestBulkIFU(t *testing.T) {
	c, db := newTestServer(t, nil)
	if _, err := c.SearchDevices(context.Background(), api.SearchParams{ProductCode: "FRN"}); err != nil {
		t.Fatalf("SearchDevices: %v", err)
	}

	result, err := c.BulkIFU(context.Background(), []string{"K191234", "K221111", "K191234"})
	if err != nil {
		t.Fatalf("BulkIFU: %v", err)
	}
	if result.TotalProcessed != 2 || len(result.Extractions) != 2 {
		t.Fatalf("expected 2 records, got %+v", result)
	}
	first := result.Extractions[0]
	if first.ID != "K191234" || !first.HasContent() {
		t.Errorf("expected IFU for K191234, got %+v", first)
	}
	if first.DeviceName != "Infusion Pump" {
		t.Errorf("expected device name from cache, got %q", first.DeviceName)
	}
	if result.Extractions[1].Status != api.StatusNoArtifact {
		t.Errorf("expected no_artifact for K221111, got %s", result.Extractions[1].Status)
	}
	if result.Summary["success"] != 1 || result.Summary["no_artifact"] != 1 {
		t.Errorf("unexpected summary %v", result.Summary)
	}

	cached, _ := db.GetExtraction("K191234")
	if cached == nil || !cached.HasContent() {
		t.Errorf("expected extraction cached, got %+v", cached)
	}
}

func TestEquivalence(t *testing.T) {
	provider := &mockProvider{response: `{"substantially_equivalent": true, "reasons": ["Same population"], "citations": [{"source": "predicate_device", "text": "adult patients"}], "suggestions": []}`}
	c, _ := newTestServer(t, provider)
	ctx := context.Background()

	if _, err := c.BulkIFU(ctx, []string{"K191234"}); err != nil {
		t.Fatalf("BulkIFU: %v", err)
	}

	a, err := c.CheckEquivalence(ctx, "Fluid delivery for adults in hospitals", "K191234")
	if err != nil {
		t.Fatalf("CheckEquivalence: %v", err)
	}
	if !a.Equivalent || len(a.Reasons) != 1 || len(a.Citations) != 1 {
		t.Errorf("unexpected analysis %+v", a)
	}
}

func TestEquivalenceWithoutExtraction(t *testing.T) {
	c, _ := newTestServer(t, &mockProvider{response: `{"equivalent": true}`})

	_, err := c.CheckEquivalence(context.Background(), "Statement", "K221111")
	if !errors.Is(err, api.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Indications for Use") {
		t.Errorf("expected IFU message, got %v", err)
	}
}

func upload(t *testing.T, baseURL, kNumber, name, content string) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if kNumber != "" {
		mw.WriteField("k_number", kNumber)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	resp, err := http.Post(baseURL+api.PathUpload, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestUploadDocument(t *testing.T) {
	provider := &mockProvider{response: `{"equivalent": true, "reasons": ["Same population"]}`}
	c, db := newTestServer(t, provider)

	resp, data := upload(t, c.BaseURL, "K221111", "K221111.html", summaryPage)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var got uploadResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !got.Success || got.Result == nil {
		t.Fatalf("unexpected response %s", data)
	}
	if got.Result.Extraction.ID != "K221111" || !got.Result.Extraction.HasContent() {
		t.Errorf("unexpected extraction %+v", got.Result.Extraction)
	}
	if !strings.Contains(got.Result.DocumentSummary.IndicationOfUse, "adult patients") {
		t.Errorf("unexpected summary %+v", got.Result.DocumentSummary)
	}

	cached, _ := db.GetExtraction("K221111")
	if cached == nil || !cached.HasContent() {
		t.Fatalf("expected extraction cached, got %+v", cached)
	}

	// K221111 has no FDA document, so analysis only works from the upload.
	a, err := c.CheckEquivalence(context.Background(), "Fluid delivery for adults", "K221111")
	if err != nil {
		t.Fatalf("CheckEquivalence: %v", err)
	}
	if !a.Equivalent {
		t.Errorf("unexpected analysis %+v", a)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	c, _ := newTestServer(t, nil)

	resp, _ := upload(t, c.BaseURL, "", "blob.bin", "\x00\x01 not a document")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsupported document: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = upload(t, c.BaseURL, "../../etc", "K1.html", summaryPage)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad k-number: expected 400, got %d", resp.StatusCode)
	}

	r, err := http.Post(c.BaseURL+api.PathUpload, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file: expected 400, got %d", r.StatusCode)
	}
}

func readAll(t *testing.T, s *api.ChunkStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.Write(chunk)
	}
}

func TestChatStreams(t *testing.T) {
	provider := &mockProvider{chunks: []string{"The predicate ", "targets adults."}}
	c, _ := newTestServer(t, provider)

	stream, err := c.OpenChat(context.Background(), []api.ChatMessage{{Role: "user", Content: "Who is it for?"}})
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	defer stream.Close()

	got, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if got != "The predicate targets adults." {
		t.Errorf("unexpected reply %q", got)
	}
	if len(provider.messages) != 2 || provider.messages[0].Role != "system" || provider.messages[1].Content != "Who is it for?" {
		t.Errorf("unexpected messages sent to provider: %+v", provider.messages)
	}
}

func TestChatFailsMidStream(t *testing.T) {
	provider := &mockProvider{chunks: []string{"partial"}, failMid: true}
	c, _ := newTestServer(t, provider)

	stream, err := c.OpenChat(context.Background(), []api.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	defer stream.Close()

	if _, err := readAll(t, stream); !errors.Is(err, api.ErrStream) {
		t.Errorf("expected stream error, got %v", err)
	}
}

func TestChatFailsBeforeFirstChunk(t *testing.T) {
	c, _ := newTestServer(t, &mockProvider{failMid: true})

	_, err := c.OpenChat(context.Background(), []api.ChatMessage{{Role: "user", Content: "hi"}})
	if !errors.Is(err, api.ErrServer) {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestChatWithoutProvider(t *testing.T) {
	c, _ := newTestServer(t, nil)

	_, err := c.OpenChat(context.Background(), []api.ChatMessage{{Role: "user", Content: "hi"}})
	if !errors.Is(err, api.ErrServer) {
		t.Errorf("expected server error, got %v", err)
	}
}

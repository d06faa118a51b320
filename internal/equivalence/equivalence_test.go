package equivalence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/database"
	"github.com/TobiSchelling/vera/internal/llm"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (m *mockProvider) Generate(_ context.Context, _, prompt string, _ int) (string, error) {
	m.calls++
	m.prompt = prompt
	return m.response, m.err
}

func (m *mockProvider) Stream(context.Context, []llm.Message, int, func(string) error) error {
	return errors.New("not implemented")
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

func ptr(s string) *string { return &s }

func seedIFU(t *testing.T, db *database.DB) {
	t.Helper()
	err := db.SaveExtraction(api.Extraction{
		ID:         "K191234",
		DeviceName: "Acme Pump",
		Status:     api.StatusSuccess,
		Text:       ptr("The Acme Pump is intended for the delivery of fluids to adult patients."),
	})
	if err != nil {
		t.Fatalf("SaveExtraction: %v", err)
	}
}

func TestAnalyzeEquivalent(t *testing.T) {
	db := openTestDB(t)
	seedIFU(t, db)

	resp, _ := json.Marshal(map[string]any{
		"substantially_equivalent": true,
		"reasons":                  []string{"Same patient population", "Same clinical purpose"},
		"citations": []map[string]string{
			{"tool": "predicate_device", "text": "delivery of fluids to adult patients"},
		},
		"suggestions": []string{},
	})
	provider := &mockProvider{response: string(resp)}

	a, err := NewAnalyzer(db, provider, 0).Analyze(context.Background(), "K191234", "Fluid delivery for adults")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !a.Equivalent {
		t.Error("expected equivalent")
	}
	if len(a.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", a.Reasons)
	}
	if len(a.Citations) != 1 || a.Citations[0].Source != "predicate_device" {
		t.Errorf("unexpected citations %+v", a.Citations)
	}
	if a.Suggestions == nil {
		t.Error("expected empty, non-nil suggestions")
	}
	if !strings.Contains(provider.prompt, "adult patients") || !strings.Contains(provider.prompt, "Fluid delivery for adults") {
		t.Errorf("prompt missing IFU or statement: %s", provider.prompt)
	}
}

func TestAnalyzeUsesCache(t *testing.T) {
	db := openTestDB(t)
	seedIFU(t, db)

	provider := &mockProvider{response: `{"equivalent": false, "reasons": ["Different population"], "suggestions": ["Limit to adults"]}`}
	analyzer := NewAnalyzer(db, provider, 256)

	first, err := analyzer.Analyze(context.Background(), "K191234", "Fluid delivery for children")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := analyzer.Analyze(context.Background(), "K191234", "  fluid delivery FOR children ")
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("expected 1 LLM call, got %d", provider.calls)
	}
	if first.Equivalent || second.Equivalent {
		t.Error("expected not equivalent")
	}
	if len(second.Suggestions) != 1 || second.Suggestions[0] != "Limit to adults" {
		t.Errorf("unexpected cached suggestions %v", second.Suggestions)
	}
}

func TestAnalyzeWithoutIFU(t *testing.T) {
	db := openTestDB(t)
	db.SaveExtraction(api.Extraction{ID: "K200001", Status: api.StatusNoContentFound})

	provider := &mockProvider{response: `{"equivalent": true}`}
	analyzer := NewAnalyzer(db, provider, 256)

	for _, k := range []string{"K200001", "K999999"} {
		_, err := analyzer.Analyze(context.Background(), k, "Some statement")
		if !errors.Is(err, ErrNoIFU) {
			t.Errorf("%s: expected ErrNoIFU, got %v", k, err)
		}
	}
	if provider.calls != 0 {
		t.Errorf("expected no LLM calls, got %d", provider.calls)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	db := openTestDB(t)
	provider := &mockProvider{}
	if _, err := NewAnalyzer(db, provider, 256).Analyze(context.Background(), "K191234", "   "); err == nil {
		t.Error("expected error for blank statement")
	}
	if provider.calls != 0 {
		t.Error("expected no LLM calls")
	}
}

func TestAnalyzeUnparseable(t *testing.T) {
	db := openTestDB(t)
	seedIFU(t, db)

	provider := &mockProvider{response: "I cannot decide."}
	_, err := NewAnalyzer(db, provider, 256).Analyze(context.Background(), "K191234", "Statement")
	if !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable, got %v", err)
	}

	cached, _ := db.GetAnalysis("K191234", "Statement")
	if cached != nil {
		t.Error("failed analysis must not be cached")
	}
}

func TestAnalyzeProviderError(t *testing.T) {
	db := openTestDB(t)
	seedIFU(t, db)

	provider := &mockProvider{err: errors.New("connection refused")}
	_, err := NewAnalyzer(db, provider, 256).Analyze(context.Background(), "K191234", "Statement")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected provider error, got %v", err)
	}
}

func TestParseAnalysisVerdictForms(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{`{"substantially_equivalent": true}`, true},
		{`{"substantially_equivalent": "false"}`, false},
		{`{"equivalent": "yes"}`, true},
		{"```json\n{\"equivalent\": false, \"citations\": [\"plain text\"]}\n```", false},
	}
	for _, tt := range tests {
		a, err := parseAnalysis(tt.text)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.text, err)
			continue
		}
		if a.Equivalent != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.text, tt.want, a.Equivalent)
		}
	}

	if _, err := parseAnalysis(`{"reasons": ["no verdict"]}`); !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable for missing verdict, got %v", err)
	}
}

func TestClipKeepsRunes(t *testing.T) {
	s := strings.Repeat("µ", 10) // two bytes each
	got := clip(s, 5)
	if got != "µµ..." {
		t.Errorf("clip() = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("clip() produced invalid UTF-8: %q", got)
	}
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip() = %q", got)
	}
}

// Package equivalence asks an LLM whether a new device's intended use is
// substantially equivalent to a predicate's Indications for Use.
package equivalence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/database"
	"github.com/TobiSchelling/vera/internal/llm"
)

const systemPrompt = `You are a regulatory analyst evaluating whether a new medical device is substantially equivalent to a predicate device under the FDA 510(k) program.

Focus on intended use as captured in the Indications for Use statement: disease or condition targeted, patient population, clinical purpose, and environment of use. Both intended use and any technological characteristics the operator describes must align for the devices to be substantially equivalent.

Do not ask follow-up questions. Keep each reason, citation and suggestion to two sentences at most.`

const analysisPrompt = `Predicate device: %s (%s)

Predicate device Indications for Use:
"%s"

New device statement:
"%s"

Respond with ONLY this JSON:
{
    "substantially_equivalent": true or false,
    "reasons": ["reason 1", "reason 2"],
    "citations": [
        {"source": "predicate_device", "text": "quoted predicate text"},
        {"source": "new_device", "text": "quoted statement text"}
    ],
    "suggestions": ["how to revise the statement, or recommend a Pre-Submission"]
}

Leave suggestions empty when the devices are equivalent.`

const (
	maxPromptIFU  = 4000
	maxListLength = 8
)

var (
	// ErrNoIFU means the predicate has no extracted Indications for Use to
	// compare against.
	ErrNoIFU = errors.New("no Indications for Use statement available")
	// ErrUnparseable means the model's reply held no usable JSON.
	ErrUnparseable = errors.New("LLM response could not be parsed")
)

// Analyzer runs and caches equivalence analyses.
type Analyzer struct {
	db        *database.DB
	provider  llm.Provider
	maxTokens int
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(db *database.DB, provider llm.Provider, maxTokens int) *Analyzer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Analyzer{db: db, provider: provider, maxTokens: maxTokens}
}

// Analyze compares statement with the cached IFU of predicate k. A previous
// result for the same statement is returned without asking the model again.
func (a *Analyzer) Analyze(ctx context.Context, k, statement string) (*api.Analysis, error) {
	k = strings.TrimSpace(k)
	statement = strings.TrimSpace(statement)
	if k == "" || statement == "" {
		return nil, fmt.Errorf("target id and context are required")
	}

	if cached, err := a.db.GetAnalysis(k, statement); err != nil {
		log.Printf("Error reading cached analysis for %s: %v", k, err)
	} else if cached != nil {
		log.Printf("Using cached analysis for %s", k)
		return cached, nil
	}

	ext, err := a.db.GetExtraction(k)
	if err != nil {
		return nil, fmt.Errorf("loading extraction for %s: %w", k, err)
	}
	if ext == nil || !ext.HasContent() {
		return nil, fmt.Errorf("%w for %s; run bulk extraction first", ErrNoIFU, k)
	}

	if a.provider == nil {
		return nil, fmt.Errorf("no LLM provider available")
	}

	ifu := clip(*ext.Text, maxPromptIFU)
	name := ext.DeviceName
	if name == "" {
		name = "Unknown"
	}
	prompt := fmt.Sprintf(analysisPrompt, name, k, ifu, statement)

	responseText, err := a.provider.Generate(ctx, systemPrompt, prompt, a.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("generating analysis: %w", err)
	}

	analysis, err := parseAnalysis(responseText)
	if err != nil {
		return nil, err
	}

	if err := a.db.SaveAnalysis(k, statement, *analysis); err != nil {
		log.Printf("Error caching analysis for %s: %v", k, err)
	}
	log.Printf("Analyzed %s: equivalent=%v", k, analysis.Equivalent)
	return analysis, nil
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func parseAnalysis(text string) (*api.Analysis, error) {
	parsed := llm.ParseJSONResponse(text)
	if parsed == nil {
		return nil, ErrUnparseable
	}

	equivalent, ok := getBool(parsed, "substantially_equivalent")
	if !ok {
		equivalent, ok = getBool(parsed, "equivalent")
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing equivalence verdict", ErrUnparseable)
	}

	a := &api.Analysis{
		Equivalent:  equivalent,
		Reasons:     getStrings(parsed, "reasons"),
		Suggestions: getStrings(parsed, "suggestions"),
		Citations:   []api.Citation{},
	}
	if arr, ok := parsed["citations"].([]any); ok {
		for _, v := range arr {
			switch c := v.(type) {
			case map[string]any:
				source := getString(c, "source", "")
				if source == "" {
					source = getString(c, "tool", "unknown")
				}
				if text := getString(c, "text", ""); text != "" {
					a.Citations = append(a.Citations, api.Citation{Source: source, Text: text})
				}
			case string:
				a.Citations = append(a.Citations, api.Citation{Source: "unknown", Text: c})
			}
		}
	}
	return a, nil
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func getBool(m map[string]any, key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	case float64:
		return v != 0, true
	}
	return false, false
}

func getStrings(m map[string]any, key string) []string {
	out := []string{}
	arr, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) > maxListLength {
		out = out[:maxListLength]
	}
	return out
}

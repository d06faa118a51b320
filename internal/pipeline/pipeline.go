package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/TobiSchelling/vera/internal/analysis"
	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/search"
	"github.com/TobiSchelling/vera/internal/session"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Options describe one review run.
type Options struct {
	Params api.SearchParams
	// Statement is the new device's intended use. Analysis is skipped when
	// it is empty.
	Statement string
	// IncludeWithout also selects devices without a document.
	IncludeWithout bool
}

// Result holds the results of a full review run.
type Result struct {
	Params      api.SearchParams
	Statement   string
	Steps       []StepResult
	Partition   search.Partition
	Extractions []api.Extraction
	Analyses    analysis.Snapshot
	// Failures are the analysis errors keyed by k-number.
	Failures map[string]error
}

// Failed reports whether any step failed.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline runs search, selection, enrichment and analysis in order.
type Pipeline struct {
	sess *session.Session
}

// New creates a new pipeline.
func New(sess *session.Session) *Pipeline {
	return &Pipeline{sess: sess}
}

// Run executes the review. It stops at the first step that leaves nothing
// for the next one to do.
func (p *Pipeline) Run(ctx context.Context, opts Options) *Result {
	r := &Result{Params: opts.Params, Statement: opts.Statement}

	// Step 1: Search
	step := p.runSearch(ctx, opts.Params)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}
	r.Partition = p.sess.Search.Partition()

	// Step 2: Select
	step = p.runSelect(opts.IncludeWithout)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	// Step 3: Enrich
	step = p.runEnrich(ctx)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}
	r.Extractions = p.sess.Enrichment.Records()

	// Step 4: Analyze
	if strings.TrimSpace(opts.Statement) == "" {
		r.Steps = append(r.Steps, StepResult{Name: "Analyze", Summary: "Skipped, no statement given"})
		return r
	}
	step, r.Failures = p.runAnalyze(ctx, opts.Statement)
	r.Steps = append(r.Steps, step)
	r.Analyses = p.sess.Analysis.Snapshot()

	return r
}

func (p *Pipeline) runSearch(ctx context.Context, params api.SearchParams) StepResult {
	log.Println("Step 1/4: Searching devices...")
	part, err := p.sess.Search.Search(ctx, params)
	if err != nil {
		return StepResult{Name: "Search", Err: err}
	}
	if part.Empty() {
		return StepResult{Name: "Search", Err: fmt.Errorf("no devices found")}
	}
	return StepResult{
		Name:    "Search",
		Summary: fmt.Sprintf("Found %d devices (%d with document, %d without)", part.Len(), len(part.WithArtifact), len(part.WithoutArtifact)),
	}
}

func (p *Pipeline) runSelect(includeWithout bool) StepResult {
	log.Println("Step 2/4: Selecting devices...")
	sel := p.sess.Selection
	keys := []search.PartitionKey{search.With}
	if includeWithout {
		keys = append(keys, search.Without)
	}
	for _, key := range keys {
		if !sel.AllSelected(key) {
			sel.SelectAll(key)
		}
	}
	if sel.Len() == 0 {
		return StepResult{Name: "Select", Err: fmt.Errorf("no devices with a document to enrich")}
	}
	return StepResult{
		Name:    "Select",
		Summary: fmt.Sprintf("Selected %d devices", sel.Len()),
	}
}

func (p *Pipeline) runEnrich(ctx context.Context) StepResult {
	log.Println("Step 3/4: Extracting Indications for Use...")
	records, err := p.sess.EnrichSelected(ctx)
	if err != nil {
		return StepResult{Name: "Enrich", Err: err}
	}
	summary := p.sess.Enrichment.Summary()
	return StepResult{
		Name: "Enrich",
		Summary: fmt.Sprintf("Processed %d devices: %d with IFU, %d without document, %d without IFU, %d failed",
			len(records), summary[api.StatusSuccess], summary[api.StatusNoArtifact],
			summary[api.StatusNoContentFound], summary[api.StatusExtractionFailed]),
	}
}

func (p *Pipeline) runAnalyze(ctx context.Context, statement string) (StepResult, map[string]error) {
	log.Println("Step 4/4: Analyzing equivalence...")
	n, errs := p.sess.AnalyzeEnriched(ctx, statement)
	if n == 0 {
		return StepResult{Name: "Analyze", Summary: "No devices with IFU text to analyze"}, errs
	}

	snap := p.sess.Analysis.Snapshot()
	equivalent := 0
	for _, id := range snap.IDs() {
		if a, ok := snap.Get(id); ok && a.Equivalent {
			equivalent++
		}
	}

	step := StepResult{
		Name:    "Analyze",
		Summary: fmt.Sprintf("Analyzed %d devices: %d equivalent, %d failed", n, equivalent, len(errs)),
	}
	if len(errs) == n {
		ids := make([]string, 0, len(errs))
		for id := range errs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		step.Err = fmt.Errorf("every analysis failed, first: %s: %w", ids[0], errs[ids[0]])
	}
	return step, errs
}

// Package enrich coordinates the single batched IFU extraction call for the
// current selection and owns its records.
package enrich

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/TobiSchelling/vera/internal/api"
)

// Extractor is the backend call the coordinator depends on.
type Extractor interface {
	BulkIFU(ctx context.Context, ids []string) (*api.BulkResult, error)
}

// Selection supplies the ids for FetchSelected.
type Selection interface {
	Selected() []string
}

// Coordinator issues bulk enrichment requests. Records are replaced
// wholesale by each successful call and never merged.
type Coordinator struct {
	extractor Extractor
	fetching  atomic.Bool

	mu      sync.RWMutex
	records []api.Extraction
	byID    map[string]int
}

// NewCoordinator creates a new enrichment coordinator.
func NewCoordinator(extractor Extractor) *Coordinator {
	return &Coordinator{extractor: extractor, byID: map[string]int{}}
}

// FetchSelected enriches whatever sel currently has selected.
func (c *Coordinator) FetchSelected(ctx context.Context, sel Selection) ([]api.Extraction, error) {
	return c.Fetch(ctx, sel.Selected())
}

// Fetch sends one request carrying every id. On success the record
// collection becomes exactly the returned list, in server order; on failure
// it is left as it was.
func (c *Coordinator) Fetch(ctx context.Context, ids []string) ([]api.Extraction, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no devices selected", api.ErrValidation)
	}
	if !c.fetching.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: enrichment already in progress", api.ErrValidation)
	}
	defer c.fetching.Store(false)

	log.Printf("Fetching IFU for %d devices...", len(ids))
	result, err := c.extractor.BulkIFU(ctx, ids)
	if err != nil {
		log.Printf("Bulk IFU failed: %v", err)
		return nil, err
	}

	records := make([]api.Extraction, len(result.Extractions))
	copy(records, result.Extractions)
	byID := make(map[string]int, len(records))
	for i, r := range records {
		byID[r.ID] = i
	}

	c.mu.Lock()
	c.records = records
	c.byID = byID
	c.mu.Unlock()

	log.Printf("Bulk IFU complete: %d records", len(records))
	return c.Records(), nil
}

// IsFetching reports whether a bulk request is in flight.
func (c *Coordinator) IsFetching() bool {
	return c.fetching.Load()
}

// Records returns a copy of the current records.
func (c *Coordinator) Records() []api.Extraction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]api.Extraction, len(c.records))
	copy(out, c.records)
	return out
}

// Record returns the record for id.
func (c *Coordinator) Record(id string) (api.Extraction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return api.Extraction{}, false
	}
	return c.records[i], true
}

// Extractable reports whether id has a record with usable IFU text.
func (c *Coordinator) Extractable(id string) bool {
	r, ok := c.Record(id)
	return ok && r.HasContent()
}

// Summary counts the current records by status.
func (c *Coordinator) Summary() map[api.ExtractionStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[api.ExtractionStatus]int)
	for _, r := range c.records {
		counts[r.Status]++
	}
	return counts
}

// Reset discards all records.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.byID = map[string]int{}
}

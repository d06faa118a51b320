// Package analysis coordinates per-device equivalence checks. Requests for
// different devices run independently; at most one request per device is
// ever in flight.
package analysis

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/vera/internal/api"
)

// DefaultConcurrency bounds RequestAll when no limit is configured.
const DefaultConcurrency = 4

// Checker is the backend call the coordinator depends on.
type Checker interface {
	CheckEquivalence(ctx context.Context, statement, targetID string) (*api.Analysis, error)
}

// Enrichment gates requests on extracted IFU text.
type Enrichment interface {
	Extractable(id string) bool
}

// Snapshot is an immutable view of the analysis records at one point in
// time. Later updates produce a new Snapshot and never touch this one.
type Snapshot struct {
	records map[string]api.Analysis
}

// Get returns the record for id.
func (s Snapshot) Get(id string) (api.Analysis, bool) {
	a, ok := s.records[id]
	return a, ok
}

// Len is the number of records.
func (s Snapshot) Len() int {
	return len(s.records)
}

// IDs returns the ids with a record, sorted.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Coordinator owns the pending set, the analysis records and the last
// error per device.
type Coordinator struct {
	checker     Checker
	enrichment  Enrichment
	concurrency int

	mu      sync.Mutex
	pending map[string]struct{}
	records map[string]api.Analysis
	errs    map[string]error
	// epoch advances on Reset so responses for a discarded result set are dropped.
	epoch uint64
}

// NewCoordinator creates a new analysis coordinator.
func NewCoordinator(checker Checker, enrichment Enrichment, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{
		checker:     checker,
		enrichment:  enrichment,
		concurrency: concurrency,
		pending:     map[string]struct{}{},
		records:     map[string]api.Analysis{},
		errs:        map[string]error{},
	}
}

// Request checks id against statement. If a request for id is already in
// flight it returns nil without sending anything. The previous record for
// id is only replaced on success.
func (c *Coordinator) Request(ctx context.Context, id, statement string) error {
	if strings.TrimSpace(statement) == "" {
		return fmt.Errorf("%w: comparison statement is empty", api.ErrValidation)
	}
	if !c.enrichment.Extractable(id) {
		return fmt.Errorf("%w: no extracted IFU for %s", api.ErrValidation, id)
	}

	c.mu.Lock()
	if _, inFlight := c.pending[id]; inFlight {
		c.mu.Unlock()
		log.Printf("Analysis for %s already in progress", id)
		return nil
	}
	c.pending[id] = struct{}{}
	epoch := c.epoch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	result, err := c.checker.CheckEquivalence(ctx, statement, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		log.Printf("Dropping analysis for %s from a previous search", id)
		return err
	}
	if err != nil {
		errs := cloneMap(c.errs)
		errs[id] = err
		c.errs = errs
		log.Printf("Analysis for %s failed: %v", id, err)
		return err
	}

	records := cloneMap(c.records)
	records[id] = *result
	c.records = records
	if _, ok := c.errs[id]; ok {
		errs := cloneMap(c.errs)
		delete(errs, id)
		c.errs = errs
	}
	log.Printf("Analysis for %s complete: equivalent=%t", id, result.Equivalent)
	return nil
}

// RequestAll runs Request for every id concurrently and returns the errors
// keyed by id. A failure for one id never affects another.
func (c *Coordinator) RequestAll(ctx context.Context, ids []string, statement string) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.Request(ctx, id, statement); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errs
}

// IsPending reports whether a request for id is in flight.
func (c *Coordinator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Pending returns the ids currently in flight, sorted.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the current records.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{records: c.records}
}

// Record returns the record for id.
func (c *Coordinator) Record(id string) (api.Analysis, bool) {
	return c.Snapshot().Get(id)
}

// Err returns the error from the last failed request for id, cleared by a
// later success.
func (c *Coordinator) Err(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[id]
}

// Reset discards all records and errors. Requests still in flight keep
// their pending entries until they return, but their results are dropped.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = map[string]api.Analysis{}
	c.errs = map[string]error{}
	c.epoch++
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

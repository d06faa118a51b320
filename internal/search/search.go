// Package search runs device searches and owns the resulting partitions.
package search

import (
	"context"
	"log"
	"sync"

	"github.com/TobiSchelling/vera/internal/api"
)

// PartitionKey names one of the two result partitions.
type PartitionKey string

const (
	With    PartitionKey = "with"
	Without PartitionKey = "without"
)

// ParseKey accepts the CLI spellings of a partition name.
func ParseKey(s string) (PartitionKey, bool) {
	switch s {
	case "with", "with-artifact", "with_artifact", "w":
		return With, true
	case "without", "without-artifact", "without_artifact", "wo":
		return Without, true
	}
	return "", false
}

// Partition is one search result split by whether a 510(k) document exists.
// The two slices are disjoint and keep server order.
type Partition struct {
	WithArtifact    []api.Device
	WithoutArtifact []api.Device
}

// Get returns the devices of one partition.
func (p Partition) Get(key PartitionKey) []api.Device {
	if key == With {
		return p.WithArtifact
	}
	return p.WithoutArtifact
}

// Len is the total number of devices across both partitions.
func (p Partition) Len() int {
	return len(p.WithArtifact) + len(p.WithoutArtifact)
}

// Empty reports whether the search found nothing.
func (p Partition) Empty() bool {
	return p.Len() == 0
}

// KeyOf returns the partition containing id.
func (p Partition) KeyOf(id string) (PartitionKey, bool) {
	for _, d := range p.WithArtifact {
		if d.KNumber == id {
			return With, true
		}
	}
	for _, d := range p.WithoutArtifact {
		if d.KNumber == id {
			return Without, true
		}
	}
	return "", false
}

// Device looks up a device by id.
func (p Partition) Device(id string) (api.Device, bool) {
	for _, d := range p.WithArtifact {
		if d.KNumber == id {
			return d, true
		}
	}
	for _, d := range p.WithoutArtifact {
		if d.KNumber == id {
			return d, true
		}
	}
	return api.Device{}, false
}

// Split partitions devices by HasDocument, keeping their order. An id seen
// twice keeps only its first occurrence.
func Split(devices []api.Device) Partition {
	p := Partition{
		WithArtifact:    []api.Device{},
		WithoutArtifact: []api.Device{},
	}
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		if _, dup := seen[d.KNumber]; dup {
			continue
		}
		seen[d.KNumber] = struct{}{}
		if d.HasDocument {
			p.WithArtifact = append(p.WithArtifact, d)
		} else {
			p.WithoutArtifact = append(p.WithoutArtifact, d)
		}
	}
	return p
}

// Searcher is the backend call the controller depends on.
type Searcher interface {
	SearchDevices(ctx context.Context, params api.SearchParams) (*api.SearchResult, error)
}

// Controller issues searches and owns the current partitions.
type Controller struct {
	searcher Searcher

	// apply serializes installing a result and running the reset hooks, so
	// overlapping searches finish in the same order for every owner.
	apply sync.Mutex

	mu          sync.RWMutex
	partition   Partition
	summary     *api.SearchSummary
	hasSearched bool
	hooks       []func(Partition)
}

// NewController creates a new search controller.
func NewController(searcher Searcher) *Controller {
	return &Controller{searcher: searcher}
}

// OnReset registers fn to run after every successful search, with the new
// partitions. Owners of search-scoped state use it to discard that state.
func (c *Controller) OnReset(fn func(Partition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Search runs a search. On failure nothing the controller owns changes.
func (c *Controller) Search(ctx context.Context, params api.SearchParams) (Partition, error) {
	if err := params.Validate(); err != nil {
		return Partition{}, err
	}

	result, err := c.searcher.SearchDevices(ctx, params)
	if err != nil {
		log.Printf("Search failed: %v", err)
		return Partition{}, err
	}

	all := make([]api.Device, 0, len(result.WithArtifact)+len(result.WithoutArtifact))
	all = append(all, result.WithArtifact...)
	all = append(all, result.WithoutArtifact...)
	p := Split(all)

	c.apply.Lock()
	defer c.apply.Unlock()

	c.mu.Lock()
	c.partition = p
	c.summary = result.Summary
	c.hasSearched = true
	hooks := append([]func(Partition){}, c.hooks...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(p)
	}

	log.Printf("Search complete: %d with document, %d without", len(p.WithArtifact), len(p.WithoutArtifact))
	return p, nil
}

// Partition returns the current partitions.
func (c *Controller) Partition() Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partition
}

// Summary returns the counts reported with the last search, if any.
func (c *Controller) Summary() *api.SearchSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// HasSearched reports whether any search has succeeded.
func (c *Controller) HasSearched() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasSearched
}

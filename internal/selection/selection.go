// Package selection tracks which search results the operator has picked.
package selection

import (
	"fmt"
	"sync"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/search"
)

// Tracker holds the selected ids over the current partitions. The
// select-all flags are derived on every read and never stored.
type Tracker struct {
	mu        sync.RWMutex
	partition search.Partition
	selected  map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{selected: make(map[string]struct{})}
}

// Reset binds the tracker to new partitions and clears the selection.
func (t *Tracker) Reset(p search.Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partition = p
	t.selected = make(map[string]struct{})
}

// Toggle flips membership of id. Ids outside the partitions are rejected.
func (t *Tracker) Toggle(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.partition.KeyOf(id); !ok {
		return fmt.Errorf("%w: %s is not in the current results", api.ErrValidation, id)
	}
	if _, ok := t.selected[id]; ok {
		delete(t.selected, id)
	} else {
		t.selected[id] = struct{}{}
	}
	return nil
}

// SelectAll deselects every device of the partition when all of them are
// currently selected, and selects every one of them otherwise. It returns
// the resulting flag.
func (t *Tracker) SelectAll(key search.PartitionKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	devices := t.partition.Get(key)
	if t.allSelected(key) {
		for _, d := range devices {
			delete(t.selected, d.KNumber)
		}
	} else {
		for _, d := range devices {
			t.selected[d.KNumber] = struct{}{}
		}
	}
	return t.allSelected(key)
}

// Clear empties the selection.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selected = make(map[string]struct{})
}

// AllSelected is true iff the partition is non-empty and every device in it
// is selected.
func (t *Tracker) AllSelected(key search.PartitionKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allSelected(key)
}

func (t *Tracker) allSelected(key search.PartitionKey) bool {
	devices := t.partition.Get(key)
	if len(devices) == 0 {
		return false
	}
	for _, d := range devices {
		if _, ok := t.selected[d.KNumber]; !ok {
			return false
		}
	}
	return true
}

// IsSelected reports whether id is selected.
func (t *Tracker) IsSelected(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.selected[id]
	return ok
}

// Len is the number of selected devices.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.selected)
}

// Selected returns the selected ids in partition order, with-document first.
func (t *Tracker) Selected() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.selected))
	for _, key := range []search.PartitionKey{search.With, search.Without} {
		for _, d := range t.partition.Get(key) {
			if _, ok := t.selected[d.KNumber]; ok {
				ids = append(ids, d.KNumber)
			}
		}
	}
	return ids
}

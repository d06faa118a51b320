package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/vera/internal/api"
)

type mockSearcher struct {
	result *api.SearchResult
	err    error
	calls  int
}

func (m *mockSearcher) SearchDevices(ctx context.Context, params api.SearchParams) (*api.SearchResult, error) {
	m.calls++
	return m.result, m.err
}

func dev(id string, doc bool) api.Device {
	return api.Device{KNumber: id, DeviceName: "device " + id, HasDocument: doc}
}

func ids(devices []api.Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.KNumber
	}
	return out
}

func TestSplit(t *testing.T) {
	p := Split([]api.Device{dev("K1", true), dev("K2", false), dev("K3", true), dev("K1", false)})

	assert.Equal(t, []string{"K1", "K3"}, ids(p.WithArtifact))
	assert.Equal(t, []string{"K2"}, ids(p.WithoutArtifact))
	assert.Equal(t, 3, p.Len())

	key, ok := p.KeyOf("K2")
	assert.True(t, ok)
	assert.Equal(t, Without, key)

	_, ok = p.KeyOf("K9")
	assert.False(t, ok)
}

func TestSplitEmpty(t *testing.T) {
	p := Split(nil)
	assert.True(t, p.Empty())
	assert.NotNil(t, p.WithArtifact)
	assert.NotNil(t, p.WithoutArtifact)
}

func TestParseKey(t *testing.T) {
	k, ok := ParseKey("with-artifact")
	assert.True(t, ok)
	assert.Equal(t, With, k)

	k, ok = ParseKey("wo")
	assert.True(t, ok)
	assert.Equal(t, Without, k)

	_, ok = ParseKey("both")
	assert.False(t, ok)
}

func TestSearchReplacesPartitions(t *testing.T) {
	m := &mockSearcher{result: &api.SearchResult{
		WithArtifact:    []api.Device{dev("K1", true)},
		WithoutArtifact: []api.Device{dev("K2", false)},
		Summary:         &api.SearchSummary{TotalFound: 2},
	}}
	c := NewController(m)
	assert.False(t, c.HasSearched())

	var resets []Partition
	c.OnReset(func(p Partition) { resets = append(resets, p) })

	p, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "pump"})
	require.NoError(t, err)
	assert.Equal(t, []string{"K1"}, ids(p.WithArtifact))
	assert.Equal(t, []string{"K2"}, ids(c.Partition().WithoutArtifact))
	assert.Equal(t, 2, c.Summary().TotalFound)
	assert.True(t, c.HasSearched())
	require.Len(t, resets, 1)
	assert.Equal(t, p, resets[0])
}

func TestSearchRepartitionsByDocumentFlag(t *testing.T) {
	// A device listed under the wrong partition still lands by its flag.
	m := &mockSearcher{result: &api.SearchResult{
		WithArtifact:    []api.Device{dev("K1", true), dev("K2", false)},
		WithoutArtifact: []api.Device{dev("K1", false)},
	}}
	c := NewController(m)

	p, err := c.Search(context.Background(), api.SearchParams{ProductCode: "FRN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"K1"}, ids(p.WithArtifact))
	assert.Equal(t, []string{"K2"}, ids(p.WithoutArtifact))
}

func TestSearchValidation(t *testing.T) {
	m := &mockSearcher{}
	c := NewController(m)

	_, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "   "})
	assert.ErrorIs(t, err, api.ErrValidation)
	assert.Equal(t, 0, m.calls)
	assert.False(t, c.HasSearched())
}

func TestSearchFailureKeepsPreviousResults(t *testing.T) {
	m := &mockSearcher{result: &api.SearchResult{WithArtifact: []api.Device{dev("K1", true)}}}
	c := NewController(m)
	resets := 0
	c.OnReset(func(Partition) { resets++ })

	_, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "pump"})
	require.NoError(t, err)

	m.result, m.err = nil, errors.Join(api.ErrNetwork, errors.New("dial tcp: refused"))
	_, err = c.Search(context.Background(), api.SearchParams{SearchTerm: "catheter"})
	assert.ErrorIs(t, err, api.ErrNetwork)

	assert.Equal(t, []string{"K1"}, ids(c.Partition().WithArtifact))
	assert.Equal(t, 1, resets)
}

func TestSearchEmptyResult(t *testing.T) {
	m := &mockSearcher{result: &api.SearchResult{}}
	c := NewController(m)

	p, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "nothing"})
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.True(t, c.HasSearched())
}

// termSearcher returns one device named after the search term.
type termSearcher struct {
	called chan string
}

func (s *termSearcher) SearchDevices(ctx context.Context, params api.SearchParams) (*api.SearchResult, error) {
	s.called <- params.SearchTerm
	return &api.SearchResult{WithArtifact: []api.Device{dev(params.SearchTerm, true)}}, nil
}

func TestOverlappingSearchesApplyInOrder(t *testing.T) {
	searcher := &termSearcher{called: make(chan string, 2)}
	c := NewController(searcher)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		last string
	)
	c.OnReset(func(p Partition) {
		if p.WithArtifact[0].KNumber == "KA" {
			close(entered)
			<-release
		}
		mu.Lock()
		last = p.WithArtifact[0].KNumber
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "KA"})
		assert.NoError(t, err)
	}()
	<-entered

	go func() {
		defer wg.Done()
		_, err := c.Search(context.Background(), api.SearchParams{SearchTerm: "KB"})
		assert.NoError(t, err)
	}()
	<-searcher.called
	<-searcher.called
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	got := ids(c.Partition().WithArtifact)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{last}, got, "every owner sees the result the controller reports")
	assert.Equal(t, "KB", last)
}

package fda

import (
	"context"
	"log"

	"github.com/TobiSchelling/vera/internal/api"
)

// Downloader fetches and stores the clearance document of a device.
type Downloader interface {
	Download(ctx context.Context, d api.Device) error
}

// Discovery turns a search into the partitioned result the API returns.
type Discovery struct {
	client     *Client
	recalls    *RecallFeed
	downloader Downloader
}

// NewDiscovery creates a discovery service. recalls and downloader may be nil.
func NewDiscovery(client *Client, recalls *RecallFeed, downloader Downloader) *Discovery {
	return &Discovery{client: client, recalls: recalls, downloader: downloader}
}

// Discover searches openFDA, applies the recall filter, downloads up to
// MaxDownloads documents and partitions the devices.
func (s *Discovery) Discover(ctx context.Context, params api.SearchParams) (*api.SearchResult, error) {
	devices, err := s.client.Search(ctx, params)
	if err != nil {
		return nil, err
	}

	if s.recalls.Enabled() {
		recalls, err := s.recalls.Fetch(ctx)
		if err != nil {
			// Recall data is advisory; the search still stands without it.
			log.Printf("Recall check skipped: %v", err)
		} else {
			before := len(devices)
			devices = MarkRecalled(devices, Recalled(recalls), params.IncludeRecalled)
			if dropped := before - len(devices); dropped > 0 {
				log.Printf("Excluded %d recalled devices", dropped)
			}
		}
	}

	result := &api.SearchResult{
		WithArtifact:    []api.Device{},
		WithoutArtifact: []api.Device{},
	}
	attempted, downloaded := 0, 0
	for _, d := range devices {
		if !d.HasDocument {
			result.WithoutArtifact = append(result.WithoutArtifact, d)
			continue
		}
		result.WithArtifact = append(result.WithArtifact, d)

		if s.downloader == nil || downloaded >= params.MaxDownloads {
			continue
		}
		attempted++
		if err := s.downloader.Download(ctx, d); err != nil {
			log.Printf("Failed to download document for %s: %v", d.KNumber, err)
			continue
		}
		downloaded++
	}

	result.Summary = &api.SearchSummary{
		TotalFound:            len(devices),
		DevicesWithDocuments:  len(result.WithArtifact),
		DownloadsAttempted:    attempted,
		DownloadsSuccessful:   downloaded,
		MaxDownloadsRequested: params.MaxDownloads,
	}
	return result, nil
}

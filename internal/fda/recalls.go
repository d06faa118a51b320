package fda

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/vera/internal/api"
)

const DefaultRecallFeedURL = "https://www.fda.gov/about-fda/contact-fda/stay-informed/rss-feeds/medical-device-recalls/rss.xml"

var kNumberPattern = regexp.MustCompile(`\bK\d{6}\b`)

// Recall is one entry of the FDA medical device recall feed.
type Recall struct {
	Title    string
	URL      string
	KNumbers []string
}

// RecallFeed reads the FDA recall RSS feed.
type RecallFeed struct {
	url    string
	parser *gofeed.Parser
}

// NewRecallFeed creates a recall feed reader. An empty url disables it.
func NewRecallFeed(url string) *RecallFeed {
	return &RecallFeed{url: url, parser: gofeed.NewParser()}
}

// Enabled reports whether a feed URL is configured.
func (f *RecallFeed) Enabled() bool {
	return f != nil && f.url != ""
}

// Fetch returns the current recall entries.
func (f *RecallFeed) Fetch(ctx context.Context) ([]Recall, error) {
	feed, err := f.parser.ParseURLWithContext(f.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing recall feed: %w", err)
	}

	var recalls []Recall
	for _, item := range feed.Items {
		r := parseRecall(item)
		if r == nil {
			continue
		}
		recalls = append(recalls, *r)
	}
	log.Printf("Parsed %d recall entries", len(recalls))
	return recalls, nil
}

func parseRecall(item *gofeed.Item) *Recall {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}
	link := item.Link
	if link == "" {
		link = item.GUID
	}

	text := title + " " + item.Description + " " + item.Content
	return &Recall{
		Title:    title,
		URL:      link,
		KNumbers: kNumberPattern.FindAllString(strings.ToUpper(text), -1),
	}
}

// Recalled returns the set of k-numbers named by any recall.
func Recalled(recalls []Recall) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range recalls {
		for _, k := range r.KNumbers {
			set[k] = struct{}{}
		}
	}
	return set
}

// MarkRecalled flags devices named by a recall. With includeRecalled
// false, flagged devices are dropped instead.
func MarkRecalled(devices []api.Device, recalled map[string]struct{}, includeRecalled bool) []api.Device {
	out := make([]api.Device, 0, len(devices))
	for _, d := range devices {
		if _, ok := recalled[strings.ToUpper(d.KNumber)]; ok {
			if !includeRecalled {
				continue
			}
			d.SafetyStatus = SafetyRecalled
		}
		out = append(out, d)
	}
	return out
}

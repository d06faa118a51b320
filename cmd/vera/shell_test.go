package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/chat"
	"github.com/TobiSchelling/vera/internal/session"
)

type fakeBackend struct {
	lastSearch api.SearchParams
}

func (b *fakeBackend) SearchDevices(ctx context.Context, p api.SearchParams) (*api.SearchResult, error) {
	b.lastSearch = p
	return &api.SearchResult{
		WithArtifact:    []api.Device{{KNumber: "K191234", DeviceName: "Infusion Pump", Applicant: "Acme", HasDocument: true}},
		WithoutArtifact: []api.Device{{KNumber: "K221111", DeviceName: "Pump II", SafetyStatus: "recalled"}},
	}, nil
}

func (b *fakeBackend) BulkIFU(ctx context.Context, ids []string) (*api.BulkResult, error) {
	text := "Intended for adults."
	res := &api.BulkResult{TotalProcessed: len(ids)}
	for _, id := range ids {
		res.Extractions = append(res.Extractions, api.Extraction{ID: id, Status: api.StatusSuccess, Text: &text})
	}
	return res, nil
}

func (b *fakeBackend) CheckEquivalence(ctx context.Context, statement, id string) (*api.Analysis, error) {
	return &api.Analysis{Equivalent: true, Reasons: []string{"Same population"}}, nil
}

type chunks struct{ parts []string }

func (c *chunks) Next(ctx context.Context) ([]byte, error) {
	if len(c.parts) == 0 {
		return nil, io.EOF
	}
	p := c.parts[0]
	c.parts = c.parts[1:]
	return []byte(p), nil
}

func (c *chunks) Close() error { return nil }

func runShell(t *testing.T, b *fakeBackend, input string) string {
	t.Helper()
	opener := chat.OpenerFunc(func(ctx context.Context, msgs []api.ChatMessage) (chat.ChunkSource, error) {
		return &chunks{parts: []string{"Predicates ", "look fine."}}, nil
	})
	sess := session.New(b, opener, 2)
	defer sess.Close()

	var out bytes.Buffer
	if err := newShell(sess, strings.NewReader(input), &out).run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func TestShellReviewFlow(t *testing.T) {
	report := filepath.Join(t.TempDir(), "review.xlsx")
	b := &fakeBackend{}
	out := runShell(t, b, strings.Join([]string{
		"downloads 3",
		"code frn",
		"toggle K191234",
		"enrich",
		"statement Fluid delivery for adults",
		"analyze K191234",
		"export " + report,
		"quit",
	}, "\n"))

	if b.lastSearch.ProductCode != "FRN" || b.lastSearch.MaxDownloads != 3 {
		t.Errorf("unexpected search params %+v", b.lastSearch)
	}
	for _, want := range []string{
		"[ ] K191234",
		"RECALLED",
		"K191234 selected: true (1 selected)",
		"1 processed, 1 with IFU",
		"Verdict: substantially equivalent",
		"Review written to " + report,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShellChat(t *testing.T) {
	out := runShell(t, &fakeBackend{}, "chat which predicate fits?\n")
	if !strings.Contains(out, "Predicates look fine.") {
		t.Errorf("reply not printed:\n%s", out)
	}
}

func TestShellErrors(t *testing.T) {
	out := runShell(t, &fakeBackend{}, "bogus\ntoggle K000000\nall sideways\ndownloads -1\n")
	for _, want := range []string{
		`unknown command "bogus"`,
		"all takes with or without",
		"downloads takes a non-negative number",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "Error: ") != 4 {
		t.Errorf("expected 4 errors:\n%s", out)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip short = %q", got)
	}
	if got := clip("a very long device name", 10); got != "a very ..." {
		t.Errorf("clip long = %q", got)
	}
}

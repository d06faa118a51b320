// Package extract downloads 510(k) documents and pulls the Indications for
// Use statement out of them.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/vera/internal/api"
)

const (
	userAgent           = "vera/1.0 (510k predicate research)"
	maxDocumentSize     = 50 << 20
	DefaultConcurrency  = 4
	defaultFetchTimeout = 30 * time.Second
)

// Locator maps a k-number to its document URL.
type Locator interface {
	DocumentURL(k string) (string, bool)
}

// Extractor fetches documents into a local cache and extracts IFU text.
type Extractor struct {
	locator     Locator
	dir         string
	client      *http.Client
	concurrency int
}

// NewExtractor creates an extractor caching documents under dir.
func NewExtractor(locator Locator, dir string, concurrency int, timeout time.Duration) *Extractor {
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Extractor{
		locator:     locator,
		dir:         dir,
		concurrency: concurrency,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// notFoundError means FDA has no document at the expected URL.
type notFoundError struct {
	url  string
	code int
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.url, http.StatusText(e.code))
}

// Path is where the document for k is cached.
func (e *Extractor) Path(k string) string {
	return filepath.Join(e.dir, "documents", k+".pdf")
}

// Download fetches the document for d into the cache unless it is already
// there.
func (e *Extractor) Download(ctx context.Context, d api.Device) error {
	_, err := e.ensure(ctx, d.KNumber)
	return err
}

func (e *Extractor) ensure(ctx context.Context, k string) (string, error) {
	path := e.Path(k)
	for _, p := range []string{path, strings.TrimSuffix(path, ".pdf") + ".html"} {
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return p, nil
		}
	}

	docURL, ok := e.locator.DocumentURL(k)
	if !ok {
		return "", &notFoundError{url: k, code: http.StatusNotFound}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", docURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", &notFoundError{url: docURL, code: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: status %d", docURL, resp.StatusCode)
	}

	body, err := readDocument(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", docURL, err)
	}

	// FDA serves an HTML page in place of some missing PDFs.
	if !isPDF(resp.Header.Get("Content-Type"), body) {
		path = filepath.Join(e.dir, "documents", k+".html")
	}

	if err := writeFileAtomic(path, body); err != nil {
		return "", err
	}
	log.Printf("Downloaded document for %s (%d bytes)", k, len(body))
	return path, nil
}

// ErrTooLarge is returned for documents over the size limit.
var ErrTooLarge = fmt.Errorf("document exceeds %d MB", maxDocumentSize>>20)

func readDocument(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxDocumentSize {
		return nil, ErrTooLarge
	}
	return body, nil
}

// writeFileAtomic writes body next to path and renames it into place, so a
// reader never sees a partial document.
func writeFileAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating document dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("saving document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

// Extract produces the enrichment record for one device. It never fails;
// problems are reported through the record's status.
func (e *Extractor) Extract(ctx context.Context, d api.Device) api.Extraction {
	rec := api.Extraction{ID: d.KNumber, DeviceName: d.DeviceName}
	if docURL, ok := e.locator.DocumentURL(d.KNumber); ok {
		rec.ResourceURL = &docURL
	}

	path, err := e.ensure(ctx, d.KNumber)
	if err != nil {
		msg := err.Error()
		rec.ErrorMessage = &msg
		var nf *notFoundError
		if errors.As(err, &nf) {
			rec.Status = api.StatusNoArtifact
		} else {
			rec.Status = api.StatusExtractionFailed
		}
		return rec
	}

	text, err := documentText(path)
	if err != nil {
		msg := err.Error()
		rec.ErrorMessage = &msg
		rec.Status = api.StatusExtractionFailed
		return rec
	}

	return withIFU(rec, text)
}

// withIFU fills the status and text of rec from the document text.
func withIFU(rec api.Extraction, text string) api.Extraction {
	ifu := FindIFU(text)
	if ifu == "" {
		msg := "no Indications for Use statement found"
		rec.ErrorMessage = &msg
		rec.Status = api.StatusNoContentFound
		return rec
	}

	rec.Status = api.StatusSuccess
	rec.Text = &ifu
	return rec
}

func documentText(path string) (string, error) {
	if filepath.Ext(path) == ".pdf" {
		return PDFText(path)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading document: %w", err)
	}
	return HTMLText(body, "")
}

// Bulk extracts every device concurrently. The result keeps the order of
// devices.
func (e *Extractor) Bulk(ctx context.Context, devices []api.Device) []api.Extraction {
	out := make([]api.Extraction, len(devices))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, d := range devices {
		g.Go(func() error {
			out[i] = e.Extract(ctx, d)
			return nil
		})
	}
	g.Wait()

	return out
}

// Summary counts records by status.
func Summary(records []api.Extraction) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[string(r.Status)]++
	}
	return counts
}

package extract

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/TobiSchelling/vera/internal/api"
)

var (
	// ErrUnsupportedDocument is returned for uploads that are neither PDF nor HTML.
	ErrUnsupportedDocument = errors.New("document is not a PDF or HTML file")
	ErrInvalidKNumber      = errors.New("invalid k-number")
)

const (
	unknownField   = "Unknown"
	noIndication   = "Not specified"
	genericSummary = "510(k) medical device"
)

var (
	kNumberPattern = regexp.MustCompile(`^[A-Z0-9]{3,}$`)

	deviceNameField   = regexp.MustCompile(`(?im)^\s*(?:trade\s*/\s*device\s+name|device\s+trade\s+name|trade\s+name|proprietary\s+name|device\s+name)\s*[:.]?[ \t]*(\S.*)$`)
	manufacturerField = regexp.MustCompile(`(?im)^\s*(?:submitter|applicant|manufacturer|sponsor|company\s+name)(?:'s\s+name)?\s*[:.]?[ \t]*(\S.*)$`)
	descriptionField  = regexp.MustCompile(`(?im)^\s*device\s+description\s*[:.]?[ \t]*(\S.*)$`)
	fieldPrefixes     = []string{"Device Name:", "Manufacturer:", "Indication:", "Description:"}
)

// DocumentSummary describes an operator-supplied 510(k) document.
type DocumentSummary struct {
	DeviceName      string `json:"device_name"`
	Description     string `json:"description"`
	IndicationOfUse string `json:"indication_of_use"`
	Manufacturer    string `json:"manufacturer"`
}

// Import reads a document supplied by hand, stores it as the cached document
// for k and extracts it. With an empty k the document is extracted without
// being cached.
func (e *Extractor) Import(k string, r io.Reader) (api.Extraction, DocumentSummary, error) {
	k = strings.ToUpper(strings.TrimSpace(k))
	if k != "" && !kNumberPattern.MatchString(k) {
		return api.Extraction{}, DocumentSummary{}, fmt.Errorf("%w: %q", ErrInvalidKNumber, k)
	}

	body, err := readDocument(r)
	if err != nil {
		return api.Extraction{}, DocumentSummary{}, err
	}

	var text string
	switch {
	case isPDF("", body):
		text, err = e.importPDF(k, body)
	case strings.HasPrefix(http.DetectContentType(body), "text/html"):
		if k != "" {
			if err := writeFileAtomic(strings.TrimSuffix(e.Path(k), ".pdf")+".html", body); err != nil {
				return api.Extraction{}, DocumentSummary{}, err
			}
		}
		text, err = HTMLText(body, "")
	default:
		return api.Extraction{}, DocumentSummary{}, ErrUnsupportedDocument
	}
	if err != nil {
		return api.Extraction{}, DocumentSummary{}, err
	}

	summary := Summarize(text)
	rec := api.Extraction{ID: k}
	if summary.DeviceName != unknownField {
		rec.DeviceName = summary.DeviceName
	}
	return withIFU(rec, text), summary, nil
}

// importPDF parses body from its cache location, or from a temp file when
// there is no k-number to cache it under.
func (e *Extractor) importPDF(k string, body []byte) (string, error) {
	if k != "" {
		path := e.Path(k)
		if err := writeFileAtomic(path, body); err != nil {
			return "", err
		}
		// A stale HTML copy would shadow the new document.
		os.Remove(strings.TrimSuffix(path, ".pdf") + ".html")
		return PDFText(path)
	}

	tmp, err := os.CreateTemp("", "vera-upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("creating temp document: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("saving document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}
	return PDFText(tmp.Name())
}

// Summarize pulls the headline fields out of a 510(k) document's text.
// Missing fields read "Unknown".
func Summarize(text string) DocumentSummary {
	s := DocumentSummary{
		DeviceName:      firstField(text, deviceNameField),
		Manufacturer:    firstField(text, manufacturerField),
		Description:     firstField(text, descriptionField),
		IndicationOfUse: FindIFU(text),
	}
	if s.IndicationOfUse == "" {
		s.IndicationOfUse = noIndication
	}
	if s.Description == unknownField {
		s.Description = genericSummary
		if s.DeviceName != unknownField {
			s.Description = genericSummary + " - " + s.DeviceName
		}
	}
	return s
}

func firstField(text string, re *regexp.Regexp) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return unknownField
	}
	v := strings.TrimSpace(spaces.ReplaceAllString(m[1], " "))
	for _, p := range fieldPrefixes {
		v = strings.TrimSpace(strings.TrimPrefix(v, p))
	}
	switch v {
	case "", "None", "N/A":
		return unknownField
	}
	return truncate(v, 300)
}

// Package report exports a predicate review to an Excel workbook.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/pipeline"
	"github.com/TobiSchelling/vera/internal/search"
	"github.com/TobiSchelling/vera/internal/session"
)

const (
	sheetDevices     = "Devices"
	sheetExtractions = "Indications for Use"
	sheetAnalyses    = "Equivalence"
)

// Review is everything one export contains.
type Review struct {
	Statement   string
	Partition   search.Partition
	Extractions []api.Extraction
	Analyses    map[string]api.Analysis
	Failures    map[string]error
}

// FromSession collects the current state of an interactive session.
func FromSession(sess *session.Session, statement string) Review {
	snap := sess.Analysis.Snapshot()
	r := Review{
		Statement:   statement,
		Partition:   sess.Search.Partition(),
		Extractions: sess.Enrichment.Records(),
		Analyses:    make(map[string]api.Analysis, snap.Len()),
		Failures:    map[string]error{},
	}
	for _, id := range snap.IDs() {
		a, _ := snap.Get(id)
		r.Analyses[id] = a
	}
	for _, e := range r.Extractions {
		if err := sess.Analysis.Err(e.ID); err != nil {
			r.Failures[e.ID] = err
		}
	}
	return r
}

// FromResult collects the outcome of a pipeline run.
func FromResult(res *pipeline.Result) Review {
	r := Review{
		Statement:   res.Statement,
		Partition:   res.Partition,
		Extractions: res.Extractions,
		Analyses:    map[string]api.Analysis{},
		Failures:    res.Failures,
	}
	for _, id := range res.Analyses.IDs() {
		a, _ := res.Analyses.Get(id)
		r.Analyses[id] = a
	}
	return r
}

// Write saves the review as an .xlsx workbook at path.
func Write(path string, r Review) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return fmt.Errorf("creating wrap style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", sheetDevices); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	for _, name := range []string{sheetExtractions, sheetAnalyses} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
	}

	if err := writeRows(f, sheetDevices, bold, deviceRows(r.Partition)); err != nil {
		return err
	}
	if err := writeRows(f, sheetExtractions, bold, extractionRows(r.Extractions)); err != nil {
		return err
	}
	if err := writeRows(f, sheetAnalyses, bold, analysisRows(r)); err != nil {
		return err
	}

	widths := map[string][]float64{
		sheetDevices:     {12, 40, 30, 14, 10, 12, 14, 12},
		sheetExtractions: {12, 40, 18, 80, 40},
		sheetAnalyses:    {12, 30, 40, 12, 60, 60, 60, 30},
	}
	for sheet, cols := range widths {
		for i, w := range cols {
			col, _ := excelize.ColumnNumberToName(i + 1)
			if err := f.SetColWidth(sheet, col, col, w); err != nil {
				return fmt.Errorf("sizing %s: %w", sheet, err)
			}
		}
	}
	for sheet, cols := range map[string]string{sheetExtractions: "B:E", sheetAnalyses: "B:H"} {
		if err := f.SetColStyle(sheet, cols, wrap); err != nil {
			return fmt.Errorf("styling %s: %w", sheet, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, headerStyle int, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("styling %s header: %w", sheet, err)
	}
	return nil
}

func deviceRows(p search.Partition) [][]any {
	rows := [][]any{{"K-Number", "Device", "Applicant", "Decision Date", "Product Code", "Document", "Document Type", "Safety"}}
	for _, key := range []search.PartitionKey{search.With, search.Without} {
		for _, d := range p.Get(key) {
			doc := "no"
			if d.HasDocument {
				doc = "yes"
			}
			rows = append(rows, []any{d.KNumber, d.DeviceName, d.Applicant, d.DecisionDate, d.ProductCode, doc, d.DocumentType, d.SafetyStatus})
		}
	}
	return rows
}

func extractionRows(records []api.Extraction) [][]any {
	rows := [][]any{{"K-Number", "Device", "Status", "Indications for Use", "Note"}}
	for _, e := range records {
		rows = append(rows, []any{e.ID, e.DeviceName, string(e.Status), deref(e.Text), deref(e.ErrorMessage)})
	}
	return rows
}

func analysisRows(r Review) [][]any {
	rows := [][]any{{"K-Number", "Device", "Statement", "Equivalent", "Reasons", "Suggestions", "Citations", "Error"}}

	names := make(map[string]string, len(r.Extractions))
	for _, e := range r.Extractions {
		names[e.ID] = e.DeviceName
	}

	ids := make([]string, 0, len(r.Analyses)+len(r.Failures))
	for id := range r.Analyses {
		ids = append(ids, id)
	}
	for id := range r.Failures {
		if _, ok := r.Analyses[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		var errText string
		if err := r.Failures[id]; err != nil {
			errText = err.Error()
		}
		a, ok := r.Analyses[id]
		if !ok {
			rows = append(rows, []any{id, names[id], r.Statement, "", "", "", "", errText})
			continue
		}
		verdict := "no"
		if a.Equivalent {
			verdict = "yes"
		}
		citations := make([]string, 0, len(a.Citations))
		for _, c := range a.Citations {
			citations = append(citations, fmt.Sprintf("[%s] %s", c.Source, c.Text))
		}
		rows = append(rows, []any{
			id, names[id], r.Statement, verdict,
			bullets(a.Reasons), bullets(a.Suggestions), strings.Join(citations, "\n"),
			errText,
		})
	}
	return rows
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package evidence

import (
	"bytes"
	"fmt"
	"time"

	"github.com/signintech/gopdf"
	"golang.org/x/image/font/gofont/goregular"
)

const summaryFont = "goregular"

// SummaryData is what the one-page summary states about a pack.
type SummaryData struct {
	SiteID         string
	Domain         string
	From, To       string
	RulesetVersion string
	Classification string
	Runs           int
	Diffs          int
	Scripts        int
	GeneratedAt    time.Time
}

func (d SummaryData) lines() []string {
	classification := d.Classification
	if classification == "" {
		classification = "-"
	}
	return []string{
		"PCI SAQ-A Evidence Pack",
		"Site: " + d.Domain + " (" + d.SiteID + ")",
		"Period: " + d.From + " to " + d.To,
		"Ruleset: " + d.RulesetVersion,
		"Classification: " + classification,
		"Runs: " + itoa(d.Runs) + ", Diffs: " + itoa(d.Diffs) + ", Scripts: " + itoa(d.Scripts),
		"Generated: " + ts(d.GeneratedAt),
		"",
		"Note: This pack provides evidence materials only (not a compliance guarantee).",
	}
}

// renderSummary lays the summary lines out on a single A4 page.
func renderSummary(d SummaryData) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetInfo(gopdf.PdfInfo{
		Title:        "Evidence Pack " + d.Domain,
		Creator:      "scriptguard",
		Producer:     "scriptguard",
		CreationDate: d.GeneratedAt,
	})
	pdf.AddPage()
	if err := pdf.AddTTFFontData(summaryFont, goregular.TTF); err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}
	if err := pdf.SetFont(summaryFont, "", 12); err != nil {
		return nil, fmt.Errorf("set font: %w", err)
	}

	y := 50.0
	for _, line := range d.lines() {
		if line != "" {
			pdf.SetXY(50, y)
			if err := pdf.Cell(nil, line); err != nil {
				return nil, fmt.Errorf("draw summary line: %w", err)
			}
		}
		y += 18
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write summary pdf: %w", err)
	}
	return buf.Bytes(), nil
}

package export

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/openarchive/openarchive/pkg/index"
)

// renderPDF lays out one message as a single legal production document:
// a Bates stamp (the message id), the address headers, a rule, then the
// body in monospace. Core fonts only cover cp1252, so text runs through
// the translator and anything outside the page falls back to replacement
// characters rather than failing the render.
func renderPDF(doc *index.Document, body string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Courier", "B", 12)
	pdf.CellFormat(0, 10, tr("Bates: "+doc.ID), "", 1, "R", false, 0, "")
	pdf.Ln(5)

	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	labelW := 30.0
	valueW := pageW - left - right - labelW

	field := func(label, value string) {
		pdf.SetFont("Courier", "B", 10)
		pdf.CellFormat(labelW, 6, tr(label+":"), "", 0, "L", false, 0, "")
		pdf.SetFont("Courier", "", 10)
		pdf.MultiCell(valueW, 6, tr(value), "", "L", false)
	}
	field("From", doc.From)
	field("To", doc.To)
	field("Date", doc.Date)
	field("Subject", doc.Subject)

	pdf.Ln(10)
	pdf.Line(10, pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(10)

	pdf.SetFont("Courier", "", 10)
	pdf.MultiCell(0, 5, tr(body), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: pdf render failed: %w", err)
	}
	return buf.Bytes(), nil
}

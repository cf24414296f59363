package pdf

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
)

// Certificate holds the fields printed on a retirement certificate
type Certificate struct {
	ID        uuid.UUID
	BatchID   int64
	ProjectID string
	Owner     uuid.UUID
	Quantity  int64
	Reason    string
	RetiredAt time.Time
}

// RenderCertificate produces a printable retirement certificate. The
// registry issues one for every retirement so the claimed offset has a
// document trail.
func RenderCertificate(cert Certificate) ([]byte, error) {
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 22)
	doc.CellFormat(0, 14, "Certificate of Carbon Credit Retirement", "", 1, "C", false, 0, "")

	doc.SetFont("Helvetica", "", 11)
	doc.CellFormat(0, 8, fmt.Sprintf("Certificate ID: %s", cert.ID), "", 1, "C", false, 0, "")
	doc.Ln(8)

	doc.SetFont("Helvetica", "", 12)
	doc.MultiCell(0, 7, fmt.Sprintf(
		"This certifies that %d credit unit(s) from batch %d of project %s "+
			"were permanently retired from circulation on %s.",
		cert.Quantity, cert.BatchID, cert.ProjectID,
		cert.RetiredAt.Format("2 January 2006"),
	), "", "L", false)
	doc.Ln(4)

	rows := [][2]string{
		{"Retired by", cert.Owner.String()},
		{"Batch", fmt.Sprintf("%d", cert.BatchID)},
		{"Project", cert.ProjectID},
		{"Quantity", fmt.Sprintf("%d", cert.Quantity)},
		{"Reason", cert.Reason},
		{"Retired at", cert.RetiredAt.Format(time.RFC3339)},
	}
	doc.SetFont("Helvetica", "", 10)
	for _, row := range rows {
		doc.SetFont("Helvetica", "B", 10)
		doc.CellFormat(40, 7, row[0], "1", 0, "L", false, 0, "")
		doc.SetFont("Helvetica", "", 10)
		doc.CellFormat(0, 7, row[1], "1", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"carbon-exchange/registry/registry-backend/internal/ledger"
)

// ExcelExporter writes registry holdings and retirement history to an
// Excel workbook, one sheet per section.
type ExcelExporter struct {
	ledger  ledger.Service
	options Options
}

// Options configures workbook styling
type Options struct {
	HoldingsSheet    string
	RetirementsSheet string
	TimestampFormat  string
	HeaderFill       string
	HeaderFont       string
}

// DefaultOptions returns default export options
func DefaultOptions() Options {
	return Options{
		HoldingsSheet:    "Holdings",
		RetirementsSheet: "Retirements",
		TimestampFormat:  "2006-01-02 15:04:05",
		HeaderFill:       "4472C4",
		HeaderFont:       "FFFFFF",
	}
}

// NewExcelExporter creates a new exporter over the credit ledger
func NewExcelExporter(ledgerService ledger.Service, options Options) *ExcelExporter {
	return &ExcelExporter{ledger: ledgerService, options: options}
}

// ExportOwnerReport writes the owner's batch holdings and retirement
// certificates to w as an xlsx workbook.
func (e *ExcelExporter) ExportOwnerReport(ctx context.Context, owner uuid.UUID, w io.Writer) error {
	file := excelize.NewFile()
	defer file.Close()

	headerStyle, err := file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: e.options.HeaderFont},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{e.options.HeaderFill}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := e.writeHoldings(ctx, file, headerStyle, owner); err != nil {
		return err
	}
	if err := e.writeRetirements(ctx, file, headerStyle, owner); err != nil {
		return err
	}

	file.DeleteSheet("Sheet1")
	if err := file.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func (e *ExcelExporter) writeHoldings(ctx context.Context, file *excelize.File, headerStyle int, owner uuid.UUID) error {
	sheet := e.options.HoldingsSheet
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headers := []string{"Batch ID", "Project", "Methodology", "Status", "Balance", "Batch Available", "Expires At"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		file.SetCellValue(sheet, cell, h)
	}
	endCell, _ := excelize.CoordinatesToCellName(len(headers), 1)
	file.SetCellStyle(sheet, "A1", endCell, headerStyle)

	batches, err := e.ledger.ListBatchesForOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list holdings: %w", err)
	}

	row := 2
	for _, batch := range batches {
		balance, err := e.ledger.GetBalance(ctx, owner, batch.ID)
		if err != nil {
			return fmt.Errorf("failed to read balance for batch %d: %w", batch.ID, err)
		}
		values := []interface{}{
			batch.ID,
			batch.ProjectID,
			batch.Methodology,
			string(batch.Status),
			balance,
			batch.AvailableQuantity,
			batch.ExpiresAt.Format(e.options.TimestampFormat),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			file.SetCellValue(sheet, cell, v)
		}
		row++
	}

	file.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	file.SetColWidth(sheet, "A", "G", 20)
	return nil
}

func (e *ExcelExporter) writeRetirements(ctx context.Context, file *excelize.File, headerStyle int, owner uuid.UUID) error {
	sheet := e.options.RetirementsSheet
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headers := []string{"Certificate", "Batch ID", "Project", "Quantity", "Reason", "Retired At"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		file.SetCellValue(sheet, cell, h)
	}
	endCell, _ := excelize.CoordinatesToCellName(len(headers), 1)
	file.SetCellStyle(sheet, "A1", endCell, headerStyle)

	certs, err := e.ledger.ListCertificates(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list retirement certificates: %w", err)
	}

	row := 2
	for _, cert := range certs {
		values := []interface{}{
			cert.ID.String(),
			cert.BatchID,
			cert.ProjectID,
			cert.Quantity,
			cert.Reason,
			cert.RetiredAt.Format(e.options.TimestampFormat),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			file.SetCellValue(sheet, cell, v)
		}
		row++
	}

	file.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	file.SetColWidth(sheet, "A", "F", 22)
	return nil
}

// Filename builds the download name for an owner report
func Filename(owner uuid.UUID, at time.Time) string {
	return fmt.Sprintf("registry-report-%s-%s.xlsx", owner.String()[:8], at.Format("20060102"))
}

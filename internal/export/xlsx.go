// Package export renders a session's scans as an XLSX workbook
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/store"
)

const sheetName = "Scans"

var headers = []string{
	"Timestamp",
	"Stock Code",
	"Description",
	"Batch",
	"Pallet",
	"Cases On Pallet",
	"Quantity",
	"Unit",
	"Expiry",
	"Location",
	"Site",
	"Aisle",
	"Rack",
	"Device",
	"Scanned By",
	"Raw Code",
}

var colWidths = []float64{20, 14, 32, 12, 8, 10, 10, 7, 12, 14, 10, 8, 8, 16, 16, 24}

// WriteScansXLSX writes the scans in timestamp order to w
func WriteScansXLSX(w io.Writer, s models.Session, scans []models.ScanRecord) error {
	ordered := append([]models.ScanRecord(nil), scans...)
	store.SortScans(ordered)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, rec := range ordered {
		row := i + 2
		write := func(col int, v interface{}) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
		write(1, rec.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		write(2, rec.StockCode)
		write(3, rec.Description)
		write(4, rec.BatchNumber)
		write(5, rec.PalletNumber)
		if rec.SessionType == models.SessionTypeFP && rec.PalletNumber != "" {
			write(6, rec.CasesOnPallet)
		}
		write(7, rec.ActualQuantity.InexactFloat64())
		write(8, string(rec.UnitType))
		write(9, rec.ExpiryDate)
		write(10, rec.Location)
		write(11, rec.Site)
		write(12, rec.Aisle)
		write(13, rec.Rack)
		write(14, rec.DeviceID)
		write(15, rec.ScannedBy)
		write(16, rec.RawCode)
	}

	for i, width := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheetName, col, col, width)
	}
	_ = f.SetDocProps(&excelize.DocProperties{
		Title:   fmt.Sprintf("%s stock take %s", s.SessionType, s.Date),
		Creator: "eckstocktake",
	})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// Filename is the download name of a session export
func Filename(s models.Session) string {
	return fmt.Sprintf("stocktake_%s_%s_%s.xlsx", s.SessionType, s.Date, s.ID)
}

// Exporter loads a session from the remote store and renders it
type Exporter struct {
	sessions store.SessionStore
	scans    store.ScanStore
}

func NewExporter(sessions store.SessionStore, scans store.ScanStore) *Exporter {
	return &Exporter{sessions: sessions, scans: scans}
}

// SessionWorkbook returns the XLSX bytes and file name for a session
func (e *Exporter) SessionWorkbook(ctx context.Context, sessionID string) ([]byte, string, error) {
	s, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	recs, err := e.scans.ListSessionScans(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("list scans of %s: %w", sessionID, err)
	}
	var buf bytes.Buffer
	if err := WriteScansXLSX(&buf, *s, recs); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), Filename(*s), nil
}

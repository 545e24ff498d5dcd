package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/scanner"
	"github.com/xelth-com/eckstocktake/internal/store"
)

// Sheet names of a catalog workbook
const (
	sheetProducts     = "Products"
	sheetRawMaterials = "RawMaterials"
	sheetProductTypes = "ProductTypes"
)

// Workbook is the content of a catalog spreadsheet
type Workbook struct {
	Products     []models.Product
	RawMaterials []models.RawMaterial
	Batches      []models.RawMaterialBatch
	ProductTypes []models.ProductType
	Skipped      int
}

// ImportStats counts what Import wrote
type ImportStats struct {
	Products     int
	RawMaterials int
	Batches      int
	ProductTypes int
}

// ReadWorkbook parses the Products, RawMaterials and ProductTypes sheets.
// Missing sheets are skipped; columns are found by header name.
func ReadWorkbook(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	wb := &Workbook{}

	if rows, ok := sheetRows(f, sheetProducts); ok {
		col := headerIndex(rows[0])
		for i, row := range rows[1:] {
			batch := cell(row, col, "batch", "batchnumber")
			code := cell(row, col, "stockcode")
			if batch == "" || code == "" || len(batch) > scanner.FPBatchLength || !isDigits(batch) {
				log.Printf("⚠️ %s row %d: need a numeric batch of up to %d digits and a stock code, skipped", sheetProducts, i+2, scanner.FPBatchLength)
				wb.Skipped++
				continue
			}
			wb.Products = append(wb.Products, models.Product{
				BatchNumber: scanner.PadFPBatch(batch),
				StockCode:   code,
				Description: cell(row, col, "description"),
			})
		}
	}

	if rows, ok := sheetRows(f, sheetRawMaterials); ok {
		col := headerIndex(rows[0])
		seen := make(map[string]bool)
		for i, row := range rows[1:] {
			code := cell(row, col, "stockcode")
			if code == "" {
				wb.Skipped++
				continue
			}
			if key := strings.ToLower(code); !seen[key] {
				seen[key] = true
				wb.RawMaterials = append(wb.RawMaterials, models.RawMaterial{
					StockCode:   code,
					Description: cell(row, col, "description"),
				})
			}
			batch := cell(row, col, "batch", "batchnumber")
			if batch == "" {
				continue
			}
			var dates []string
			if raw := cell(row, col, "expiry", "expirydate"); raw != "" {
				iso, ok := parseSheetDate(raw)
				if !ok {
					log.Printf("⚠️ %s row %d: unreadable expiry %q ignored", sheetRawMaterials, i+2, raw)
				} else {
					dates = []string{iso}
				}
			}
			wb.Batches = append(wb.Batches, models.RawMaterialBatch{
				StockCode:   code,
				BatchNumber: batch,
				ExpiryDates: dates,
			})
		}
	}

	if rows, ok := sheetRows(f, sheetProductTypes); ok {
		col := headerIndex(rows[0])
		for _, row := range rows[1:] {
			code := cell(row, col, "stockcode")
			if code == "" {
				wb.Skipped++
				continue
			}
			wb.ProductTypes = append(wb.ProductTypes, models.ProductType{
				StockCode:   code,
				ProductType: cell(row, col, "producttype", "type"),
				Description: cell(row, col, "description"),
			})
		}
	}

	return wb, nil
}

// Import upserts the workbook into the remote catalog
func Import(ctx context.Context, cs store.CatalogStore, wb *Workbook) (ImportStats, error) {
	var st ImportStats
	for _, p := range wb.Products {
		if err := cs.UpsertProduct(ctx, p); err != nil {
			return st, fmt.Errorf("product %s: %w", p.BatchNumber, err)
		}
		st.Products++
	}
	for _, rm := range wb.RawMaterials {
		if err := cs.UpsertRawMaterial(ctx, rm); err != nil {
			return st, fmt.Errorf("raw material %s: %w", rm.StockCode, err)
		}
		st.RawMaterials++
	}
	for _, b := range wb.Batches {
		if err := cs.UpsertRawMaterialBatch(ctx, b); err != nil {
			return st, fmt.Errorf("batch %s/%s: %w", b.StockCode, b.BatchNumber, err)
		}
		st.Batches++
	}
	for _, pt := range wb.ProductTypes {
		if err := cs.UpsertProductType(ctx, pt); err != nil {
			return st, fmt.Errorf("product type %s: %w", pt.StockCode, err)
		}
		st.ProductTypes++
	}
	return st, nil
}

func sheetRows(f *excelize.File, sheet string) ([][]string, bool) {
	if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
		log.Printf("⚠️ Sheet %s not found, skipping", sheet)
		return nil, false
	}
	rows, err := f.GetRows(sheet)
	if err != nil || len(rows) == 0 {
		return nil, false
	}
	return rows, true
}

// headerIndex maps normalised header names to column positions
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h))
		idx[key] = i
	}
	return idx
}

func cell(row []string, col map[string]int, names ...string) string {
	for _, n := range names {
		if i, ok := col[n]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// parseSheetDate accepts the label formats plus the m-d-yy form excelize
// renders date cells with
func parseSheetDate(s string) (string, bool) {
	if iso, ok := scanner.NormalizeDate(s); ok {
		return iso, true
	}
	t, err := time.Parse("01-02-06", s)
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

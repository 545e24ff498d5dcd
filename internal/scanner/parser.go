// Package scanner turns raw decoded barcode text into structured scan data.
//
// Finished products (FP) carry a fixed-width 13 digit label:
//
//	BBBBB PPPP CCCC
//	batch pallet cases-on-pallet
//
// Raw materials (RM) carry supplier labels with no fixed layout. They are
// decomposed heuristically against the reference catalog: longest known stock
// code prefix, then a batch, then an optional trailing DD/MM/YY expiry.
package scanner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/models"
)

// ErrMalformedCode marks input that cannot be decoded for the session type
var ErrMalformedCode = errors.New("malformed code")

// UnknownStockCode is assigned to FP batches missing from the catalog
const UnknownStockCode = "UNKNOWN"

// FPBatchLength is the fixed width of a finished-product batch number
const FPBatchLength = 5

var (
	fpCodePattern      = regexp.MustCompile(`^\d{13}$`)
	manualBatchPattern = regexp.MustCompile(`^\d{1,5}$`)
)

// Catalog is the read side of the reference catalog the parser consults
type Catalog interface {
	LookupProduct(batch string) (catalog.ProductEntry, bool)
	LookupRawMaterial(stockCode string) (catalog.RawMaterialEntry, bool)
	LookupUnitType(stockCode string) models.UnitType
	RawMaterialCodes() []string
}

// ParsedCode is the transient result of decoding one scan
type ParsedCode struct {
	Valid       bool               `json:"valid"`
	Raw         string             `json:"raw"`
	SessionType models.SessionType `json:"sessionType"`

	StockCode     string `json:"stockCode,omitempty"`
	Description   string `json:"description,omitempty"`
	BatchNumber   string `json:"batchNumber,omitempty"`
	PalletNumber  string `json:"palletNumber,omitempty"`
	CasesOnPallet int    `json:"casesOnPallet,omitempty"`

	// ExpiryDate is the resolved expiry, ExtractedExpiry what the label printed
	ExpiryDate           string   `json:"expiryDate,omitempty"`
	ExtractedExpiry      string   `json:"extractedExpiry,omitempty"`
	AvailableExpiryDates []string `json:"availableExpiryDates,omitempty"`

	BatchFromDatabase       bool `json:"batchFromDatabase"`
	NeedsStockCodeScan      bool `json:"needsStockCodeScan"`
	NeedsBatchConfirmation  bool `json:"needsBatchConfirmation"`
	NeedsExpiryConfirmation bool `json:"needsExpiryConfirmation"`
	IsUnknownProduct        bool `json:"isUnknownProduct"`

	UnitType models.UnitType `json:"unitType,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Err returns the parse failure as an ErrMalformedCode, or nil for a valid code
func (p ParsedCode) Err() error {
	if p.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMalformedCode, p.Error)
}

// ScanKey is the in-flight identity of the physical item behind this code
func (p ParsedCode) ScanKey() string {
	return ScanKey(p.SessionType, p.StockCode, p.BatchNumber, p.ExpiryDate, p.PalletNumber)
}

// ScanKey builds the in-flight identity: batch|pallet for FP,
// stockCode|batch|expiry (case-folded) for RM
func ScanKey(st models.SessionType, stockCode, batch, expiry, pallet string) string {
	if st == models.SessionTypeFP {
		return batch + "|" + pallet
	}
	return strings.ToUpper(stockCode) + "|" + strings.ToUpper(batch) + "|" + expiry
}

// Options tune the RM heuristics
type Options struct {
	// StrictBatchMatch compares batches for equality instead of substring containment
	StrictBatchMatch bool
}

// Parser decodes scans against a catalog. It keeps no state between calls:
// the same input with an unchanged catalog yields the same ParsedCode.
type Parser struct {
	catalog Catalog
	opts    Options
}

func NewParser(c Catalog, opts Options) *Parser {
	return &Parser{catalog: c, opts: opts}
}

// Parse decodes raw for the given session type. It never fails with an
// error; malformed input comes back with Valid=false and Error set.
func (p *Parser) Parse(raw string, st models.SessionType) ParsedCode {
	switch st {
	case models.SessionTypeFP:
		return p.parseFP(raw)
	case models.SessionTypeRM:
		return p.parseRM(raw)
	}
	return invalid(raw, st, fmt.Sprintf("unknown session type %q", st))
}

func invalid(raw string, st models.SessionType, msg string) ParsedCode {
	return ParsedCode{Valid: false, Raw: raw, SessionType: st, Error: msg}
}

func (p *Parser) parseFP(raw string) ParsedCode {
	if !fpCodePattern.MatchString(raw) {
		return invalid(raw, models.SessionTypeFP, "finished product codes must be exactly 13 digits")
	}
	cases, _ := strconv.Atoi(raw[9:13])
	pc := ParsedCode{
		Valid:         true,
		Raw:           raw,
		SessionType:   models.SessionTypeFP,
		BatchNumber:   raw[0:5],
		PalletNumber:  raw[5:9],
		CasesOnPallet: cases,
		UnitType:      models.UnitCases,
	}
	p.fillProduct(&pc)
	return pc
}

// ParseManualFP accepts a hand-typed batch of up to 5 digits and zero-pads it.
// Manual entries carry no pallet number.
func (p *Parser) ParseManualFP(batch string) ParsedCode {
	if !manualBatchPattern.MatchString(batch) {
		return invalid(batch, models.SessionTypeFP, "batch numbers are 1 to 5 digits")
	}
	pc := ParsedCode{
		Valid:       true,
		Raw:         batch,
		SessionType: models.SessionTypeFP,
		BatchNumber: PadFPBatch(batch),
		UnitType:    models.UnitCases,
	}
	p.fillProduct(&pc)
	return pc
}

// PadFPBatch left-pads a numeric batch with zeros to FPBatchLength
func PadFPBatch(batch string) string {
	if len(batch) >= FPBatchLength {
		return batch
	}
	return strings.Repeat("0", FPBatchLength-len(batch)) + batch
}

func (p *Parser) fillProduct(pc *ParsedCode) {
	if entry, ok := p.catalog.LookupProduct(pc.BatchNumber); ok {
		pc.StockCode = entry.StockCode
		pc.Description = entry.Description
		return
	}
	pc.IsUnknownProduct = true
	pc.StockCode = UnknownStockCode
}

func (p *Parser) parseRM(raw string) ParsedCode {
	if raw == "" {
		return invalid(raw, models.SessionTypeRM, "empty code")
	}
	if !isASCIILetter(raw[0]) {
		return invalid(raw, models.SessionTypeRM, "raw material codes must start with a letter")
	}

	remainder, extracted := StripTrailingExpiry(raw)
	pc := ParsedCode{
		Valid:           true,
		Raw:             raw,
		SessionType:     models.SessionTypeRM,
		ExtractedExpiry: extracted,
	}

	if code := MatchStockCodePrefix(raw, p.catalog.RawMaterialCodes()); code != "" {
		entry, _ := p.catalog.LookupRawMaterial(code)
		pc.StockCode = entry.StockCode
		pc.Description = entry.Description
		if len(code) <= len(remainder) {
			pc.BatchNumber = TrimBatchSeparators(remainder[len(code):])
		}
		p.resolveKnownBatch(&pc, entry)
	} else {
		stock, batch := SplitUnknownRM(remainder)
		if stock == "" {
			return invalid(raw, models.SessionTypeRM, "no stock code could be read")
		}
		pc.StockCode = stock
		pc.BatchNumber = batch
		pc.NeedsStockCodeScan = true
		pc.NeedsBatchConfirmation = batch != ""
		pc.NeedsExpiryConfirmation = extracted != ""
	}

	pc.UnitType = p.catalog.LookupUnitType(pc.StockCode)
	return pc
}

// resolveKnownBatch matches the candidate batch against the stock code's
// known batches, then decides whether the expiry needs the user
func (p *Parser) resolveKnownBatch(pc *ParsedCode, entry catalog.RawMaterialEntry) {
	pc.BatchFromDatabase = false
	var known catalog.BatchEntry
	if pc.BatchNumber != "" {
		if b, ok := MatchKnownBatch(pc.BatchNumber, entry.Batches, p.opts.StrictBatchMatch); ok {
			known = b
			pc.BatchNumber = b.BatchNumber
			pc.BatchFromDatabase = true
		}
	}
	pc.NeedsBatchConfirmation = !pc.BatchFromDatabase

	pc.AvailableExpiryDates = nil
	if pc.BatchFromDatabase {
		switch n := len(known.ExpiryDates); {
		case n == 1:
			pc.ExpiryDate = known.ExpiryDates[0]
			pc.NeedsExpiryConfirmation = false
			return
		case n > 1:
			// The catalog wins over whatever the label printed
			pc.AvailableExpiryDates = append([]string(nil), known.ExpiryDates...)
			pc.ExpiryDate = ""
			pc.NeedsExpiryConfirmation = true
			return
		}
	}
	pc.NeedsExpiryConfirmation = pc.ExtractedExpiry != "" && pc.ExpiryDate == ""
}

// Reevaluate re-runs catalog resolution after the user changed the stock code
// or batch of an RM scan. Flags only describe what is still unknown; callers
// mask out needs they already resolved.
func (p *Parser) Reevaluate(pc ParsedCode) ParsedCode {
	if pc.SessionType != models.SessionTypeRM || !pc.Valid {
		return pc
	}
	if entry, ok := p.catalog.LookupRawMaterial(pc.StockCode); ok {
		pc.StockCode = entry.StockCode
		if entry.Description != "" {
			pc.Description = entry.Description
		}
		p.resolveKnownBatch(&pc, entry)
	} else {
		pc.BatchFromDatabase = false
		pc.AvailableExpiryDates = nil
		pc.NeedsBatchConfirmation = true
		pc.NeedsExpiryConfirmation = pc.ExtractedExpiry != "" && pc.ExpiryDate == ""
	}
	pc.UnitType = p.catalog.LookupUnitType(pc.StockCode)
	return pc
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

package scanner

import (
	"fmt"
	"math/rand"
	"reflect"
	"regexp"
	"testing"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/models"
)

func emptyCatalog() *catalog.Catalog {
	return catalog.New(nil, nil, nil, 0)
}

// testCatalog knows FP batch 00123, raw materials AB and ABC123, and
// ABC123 batches B1 (two expiries) and LOT77 (one expiry)
func testCatalog() *catalog.Catalog {
	c := emptyCatalog()
	c.UpsertProduct("00123", "FP-001", "Biscuits 12x200g")
	c.UpsertRawMaterial("AB", "Abrasive pads", "", "")
	c.UpsertRawMaterial("ABC123", "Caster sugar", "B1", "2025-01-01")
	c.UpsertRawMaterial("ABC123", "", "B1", "2025-06-01")
	c.UpsertRawMaterial("ABC123", "", "LOT77", "2026-02-28")
	c.SetProductType("ABC123", models.ProductTypeIngredient, "Caster sugar")
	return c
}

func TestParseFPUnknownProduct(t *testing.T) {
	p := NewParser(emptyCatalog(), Options{})
	pc := p.Parse("0012300010005", models.SessionTypeFP)

	if !pc.Valid {
		t.Fatalf("expected valid, got error %q", pc.Error)
	}
	if pc.BatchNumber != "00123" || pc.PalletNumber != "0001" || pc.CasesOnPallet != 5 {
		t.Errorf("bad decomposition: %+v", pc)
	}
	if !pc.IsUnknownProduct || pc.StockCode != UnknownStockCode {
		t.Errorf("expected unknown product, got %+v", pc)
	}
	if pc.UnitType != models.UnitCases {
		t.Errorf("FP unit = %q, want cases", pc.UnitType)
	}
}

func TestParseFPKnownProduct(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("0012300420120", models.SessionTypeFP)

	if pc.IsUnknownProduct || pc.StockCode != "FP-001" || pc.Description != "Biscuits 12x200g" {
		t.Errorf("expected catalog product, got %+v", pc)
	}
	if pc.CasesOnPallet != 120 {
		t.Errorf("cases = %d, want 120", pc.CasesOnPallet)
	}
}

func TestParseFPRejectsWrongShape(t *testing.T) {
	p := NewParser(emptyCatalog(), Options{})
	for _, raw := range []string{"", "001230001000", "00123000100051", "00123A0010005", " 0012300010005", "００１２３００１０００５"} {
		pc := p.Parse(raw, models.SessionTypeFP)
		if pc.Valid {
			t.Errorf("Parse(%q) should be invalid", raw)
		}
		if pc.Error == "" {
			t.Errorf("Parse(%q) invalid without error text", raw)
		}
	}
}

func TestFPShapeProperty(t *testing.T) {
	p := NewParser(emptyCatalog(), Options{})
	shape := regexp.MustCompile(`^\d{13}$`)
	rng := rand.New(rand.NewSource(42))
	alphabet := []byte("0123456789012345678901234567890123456789aZ -/")

	for i := 0; i < 2000; i++ {
		n := rng.Intn(16)
		b := make([]byte, n)
		for j := range b {
			b[j] = alphabet[rng.Intn(len(alphabet))]
		}
		raw := string(b)
		pc := p.Parse(raw, models.SessionTypeFP)

		if !shape.MatchString(raw) {
			if pc.Valid {
				t.Fatalf("Parse(%q) valid but does not match 13 digits", raw)
			}
			continue
		}
		if !pc.Valid {
			t.Fatalf("Parse(%q) invalid: %s", raw, pc.Error)
		}
		joined := pc.BatchNumber + pc.PalletNumber + fmt.Sprintf("%04d", pc.CasesOnPallet)
		if joined != raw {
			t.Fatalf("decomposition of %q rejoins to %q", raw, joined)
		}
	}
}

func TestRMMustStartWithLetter(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	rng := rand.New(rand.NewSource(7))
	alphabet := []byte("0123456789-_/ .#ABCabc")

	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(12)
		b := make([]byte, n)
		for j := range b {
			b[j] = alphabet[rng.Intn(len(alphabet))]
		}
		raw := string(b)
		pc := p.Parse(raw, models.SessionTypeRM)
		if !isASCIILetter(raw[0]) && pc.Valid {
			t.Fatalf("Parse(%q, RM) valid without a leading letter", raw)
		}
		if isASCIILetter(raw[0]) && !pc.Valid {
			t.Fatalf("Parse(%q, RM) rejected: %s", raw, pc.Error)
		}
	}
	if pc := p.Parse("", models.SessionTypeRM); pc.Valid {
		t.Error("empty RM code should be invalid")
	}
}

func TestParseIsIdempotent(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	inputs := []struct {
		raw string
		st  models.SessionType
	}{
		{"0012300010005", models.SessionTypeFP},
		{"ABC123B1", models.SessionTypeRM},
		{"ABC123-LOT77 01/02/25", models.SessionTypeRM},
		{"XYZ-99_B7 01/02/25", models.SessionTypeRM},
		{"9bad", models.SessionTypeRM},
	}
	for _, in := range inputs {
		first := p.Parse(in.raw, in.st)
		second := p.Parse(in.raw, in.st)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Parse(%q) not idempotent:\n%+v\n%+v", in.raw, first, second)
		}
	}
}

func TestRMKnownBatchWithSeveralExpiries(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("ABC123B1", models.SessionTypeRM)

	if !pc.Valid || pc.StockCode != "ABC123" || pc.BatchNumber != "B1" {
		t.Fatalf("unexpected parse: %+v", pc)
	}
	if !pc.BatchFromDatabase || pc.NeedsBatchConfirmation {
		t.Errorf("B1 is a known batch: %+v", pc)
	}
	if !pc.NeedsExpiryConfirmation {
		t.Error("two catalog expiries need an explicit choice")
	}
	want := []string{"2025-01-01", "2025-06-01"}
	if !reflect.DeepEqual(pc.AvailableExpiryDates, want) {
		t.Errorf("AvailableExpiryDates = %v, want %v", pc.AvailableExpiryDates, want)
	}
	if pc.UnitType != models.UnitKg {
		t.Errorf("ingredient unit = %q, want kg", pc.UnitType)
	}
}

func TestRMCatalogExpiryBeatsLabel(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("ABC123B1 15/03/25", models.SessionTypeRM)

	if pc.ExtractedExpiry != "2025-03-15" {
		t.Errorf("ExtractedExpiry = %q", pc.ExtractedExpiry)
	}
	if !pc.NeedsExpiryConfirmation || len(pc.AvailableExpiryDates) != 2 || pc.ExpiryDate != "" {
		t.Errorf("catalog expiries should be offered instead of the label date: %+v", pc)
	}
}

func TestRMSingleExpiryAutoFills(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	for _, raw := range []string{"ABC123-LOT77", "abc123_LOT77 01/02/25"} {
		pc := p.Parse(raw, models.SessionTypeRM)
		if pc.BatchNumber != "LOT77" || !pc.BatchFromDatabase {
			t.Errorf("%q: expected known batch LOT77, got %+v", raw, pc)
		}
		if pc.NeedsExpiryConfirmation || pc.ExpiryDate != "2026-02-28" {
			t.Errorf("%q: expected auto-filled expiry, got %+v", raw, pc)
		}
	}
}

func TestRMLongestPrefixWins(t *testing.T) {
	p := NewParser(testCatalog(), Options{})

	pc := p.Parse("ABC123-NEW9", models.SessionTypeRM)
	if pc.StockCode != "ABC123" || pc.BatchNumber != "NEW9" {
		t.Errorf("expected ABC123/NEW9, got %s/%s", pc.StockCode, pc.BatchNumber)
	}
	if !pc.NeedsBatchConfirmation || pc.BatchFromDatabase || pc.NeedsStockCodeScan {
		t.Errorf("new batch of a known stock code: %+v", pc)
	}

	pc = p.Parse("ABX-1", models.SessionTypeRM)
	if pc.StockCode != "AB" || pc.BatchNumber != "X-1" {
		t.Errorf("expected AB/X-1, got %s/%s", pc.StockCode, pc.BatchNumber)
	}
}

func TestRMNewBatchWithLabelExpiry(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("ABC123 NEW9 01/02/25", models.SessionTypeRM)

	if pc.BatchNumber != "NEW9" || !pc.NeedsBatchConfirmation {
		t.Errorf("unexpected batch handling: %+v", pc)
	}
	if !pc.NeedsExpiryConfirmation || pc.ExtractedExpiry != "2025-02-01" || len(pc.AvailableExpiryDates) != 0 {
		t.Errorf("label expiry should be offered for confirmation: %+v", pc)
	}
}

func TestRMKnownStockCodeWithoutBatch(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("ABC123", models.SessionTypeRM)
	if pc.BatchNumber != "" || !pc.NeedsBatchConfirmation || pc.NeedsExpiryConfirmation {
		t.Errorf("bare stock code should ask for a batch only: %+v", pc)
	}
}

func TestRMBatchSubstringMatch(t *testing.T) {
	c := testCatalog()
	c.UpsertRawMaterial("ABC123", "", "LOT2024A", "2027-01-01")

	loose := NewParser(c, Options{}).Parse("ABC123LOT2024A-X", models.SessionTypeRM)
	if loose.BatchNumber != "LOT2024A" || !loose.BatchFromDatabase {
		t.Errorf("containment should resolve to LOT2024A, got %+v", loose)
	}

	strict := NewParser(c, Options{StrictBatchMatch: true}).Parse("ABC123LOT2024A-X", models.SessionTypeRM)
	if strict.BatchFromDatabase || strict.BatchNumber != "LOT2024A-X" || !strict.NeedsBatchConfirmation {
		t.Errorf("strict matching should not resolve a longer batch, got %+v", strict)
	}

	exact := NewParser(c, Options{StrictBatchMatch: true}).Parse("ABC123lot2024a", models.SessionTypeRM)
	if exact.BatchNumber != "LOT2024A" || !exact.BatchFromDatabase {
		t.Errorf("strict matching still ignores case, got %+v", exact)
	}
}

func TestRMUnknownStockCode(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("XYZ-99_B7 01/02/25", models.SessionTypeRM)

	if !pc.Valid || pc.StockCode != "XYZ" || pc.BatchNumber != "99-B7" {
		t.Fatalf("unexpected split: %+v", pc)
	}
	if !pc.NeedsStockCodeScan || !pc.NeedsBatchConfirmation || !pc.NeedsExpiryConfirmation {
		t.Errorf("unknown code should need every confirmation: %+v", pc)
	}
	if pc.ExtractedExpiry != "2025-02-01" {
		t.Errorf("ExtractedExpiry = %q", pc.ExtractedExpiry)
	}
	if pc.UnitType != models.UnitUnits {
		t.Errorf("unknown stock code unit = %q, want units", pc.UnitType)
	}
}

func TestRMUnknownStockCodeWithoutExpiry(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	pc := p.Parse("QQQ-7", models.SessionTypeRM)

	if pc.NeedsExpiryConfirmation {
		t.Error("no label expiry means nothing to confirm")
	}
	if !pc.NeedsStockCodeScan || pc.StockCode != "QQQ" || pc.BatchNumber != "7" {
		t.Errorf("unexpected parse: %+v", pc)
	}
}

func TestReevaluateAfterStockCodeLearned(t *testing.T) {
	c := testCatalog()
	p := NewParser(c, Options{})
	pc := p.Parse("QQQ-LOT77", models.SessionTypeRM)
	if !pc.NeedsStockCodeScan {
		t.Fatal("QQQ should be unknown")
	}

	pc.StockCode = "abc123"
	pc.BatchNumber = "LOT77"
	pc = p.Reevaluate(pc)

	if pc.StockCode != "ABC123" || pc.Description != "Caster sugar" {
		t.Errorf("stock code not canonicalised: %+v", pc)
	}
	if !pc.BatchFromDatabase || pc.NeedsBatchConfirmation {
		t.Errorf("LOT77 is known for ABC123: %+v", pc)
	}
	if pc.ExpiryDate != "2026-02-28" || pc.NeedsExpiryConfirmation {
		t.Errorf("single expiry should auto-fill: %+v", pc)
	}
	if pc.UnitType != models.UnitKg {
		t.Errorf("unit = %q, want kg", pc.UnitType)
	}
}

func TestParseManualFP(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	tests := []struct {
		in    string
		batch string
		valid bool
	}{
		{"123", "00123", true},
		{"00123", "00123", true},
		{"9", "00009", true},
		{"", "", false},
		{"123456", "", false},
		{"12a", "", false},
	}
	for _, tt := range tests {
		pc := p.ParseManualFP(tt.in)
		if pc.Valid != tt.valid {
			t.Errorf("ParseManualFP(%q).Valid = %v, want %v", tt.in, pc.Valid, tt.valid)
			continue
		}
		if tt.valid && (pc.BatchNumber != tt.batch || pc.PalletNumber != "") {
			t.Errorf("ParseManualFP(%q) = batch %q pallet %q", tt.in, pc.BatchNumber, pc.PalletNumber)
		}
	}
	if pc := p.ParseManualFP("123"); pc.StockCode != "FP-001" {
		t.Errorf("manual entry should look up the padded batch, got %q", pc.StockCode)
	}
}

func TestScanKey(t *testing.T) {
	p := NewParser(testCatalog(), Options{})
	fp := p.Parse("0012300010005", models.SessionTypeFP)
	if fp.ScanKey() != "00123|0001" {
		t.Errorf("FP key = %q", fp.ScanKey())
	}
	rm := p.Parse("abc123-lot77", models.SessionTypeRM)
	if rm.ScanKey() != "ABC123|LOT77|2026-02-28" {
		t.Errorf("RM key = %q", rm.ScanKey())
	}
	if ScanKey(models.SessionTypeRM, "abc123", "lot77", "2026-02-28", "") != rm.ScanKey() {
		t.Error("RM keys must ignore case")
	}
}

func TestErrWrapsMalformed(t *testing.T) {
	p := NewParser(emptyCatalog(), Options{})
	if err := p.Parse("12", models.SessionTypeFP).Err(); err == nil {
		t.Fatal("expected an error")
	}
	if err := p.Parse("0012300010005", models.SessionTypeFP).Err(); err != nil {
		t.Errorf("valid code returned %v", err)
	}
}

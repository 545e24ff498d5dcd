package scanner

import (
	"errors"
	"testing"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/models"
)

func TestStripTrailingExpiry(t *testing.T) {
	tests := []struct {
		in, rest, iso string
	}{
		{"ABC123B1 01/02/25", "ABC123B1", "2025-02-01"},
		{"ABC123B101/02/25", "ABC123B1", "2025-02-01"},
		{"ABC123B1", "ABC123B1", ""},
		{"ABC123B1 31/02/25", "ABC123B1 31/02/25", ""},
		{"ABC 01/02/25 X", "ABC 01/02/25 X", ""},
	}
	for _, tt := range tests {
		rest, iso := StripTrailingExpiry(tt.in)
		if rest != tt.rest || iso != tt.iso {
			t.Errorf("StripTrailingExpiry(%q) = (%q, %q), want (%q, %q)", tt.in, rest, iso, tt.rest, tt.iso)
		}
	}
}

func TestSplitUnknownRM(t *testing.T) {
	tests := []struct {
		in, stock, batch string
	}{
		{"XYZ-99_B7", "XYZ", "99-B7"},
		{"XYZ", "XYZ", ""},
		{"XYZ  --  42", "XYZ", "42"},
		{"XYZ123", "XYZ123", ""},
	}
	for _, tt := range tests {
		stock, batch := SplitUnknownRM(tt.in)
		if stock != tt.stock || batch != tt.batch {
			t.Errorf("SplitUnknownRM(%q) = (%q, %q), want (%q, %q)", tt.in, stock, batch, tt.stock, tt.batch)
		}
	}
}

func TestMatchKnownBatchPrefersExact(t *testing.T) {
	batches := []catalog.BatchEntry{{BatchNumber: "B1"}, {BatchNumber: "B12"}}
	b, ok := MatchKnownBatch("b12", batches, false)
	if !ok || b.BatchNumber != "B12" {
		t.Errorf("expected exact B12, got %+v", b)
	}
	b, ok = MatchKnownBatch("B123", batches, false)
	if !ok || b.BatchNumber != "B1" {
		t.Errorf("expected first containing batch B1, got %+v", b)
	}
	if _, ok := MatchKnownBatch("", batches, false); ok {
		t.Error("empty candidate must not match")
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		text string
		unit models.UnitType
		want string
		ok   bool
	}{
		{"12", models.UnitCases, "12", true},
		{" 7 ", models.UnitUnits, "7", true},
		{"1.5", models.UnitUnits, "", false},
		{"0", models.UnitCases, "", false},
		{"-3", models.UnitCases, "", false},
		{"12.345", models.UnitKg, "12.35", true},
		{"12.344", models.UnitKg, "12.34", true},
		{"0.004", models.UnitKg, "", false},
		{"abc", models.UnitKg, "", false},
	}
	for _, tt := range tests {
		got, err := ParseQuantity(tt.text, tt.unit)
		if !tt.ok {
			if !errors.Is(err, ErrInvalidQuantity) {
				t.Errorf("ParseQuantity(%q, %s) err = %v, want ErrInvalidQuantity", tt.text, tt.unit, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQuantity(%q, %s): %v", tt.text, tt.unit, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseQuantity(%q, %s) = %s, want %s", tt.text, tt.unit, got, tt.want)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"01/02/25", "2025-02-01", true},
		{"01/02/2025", "2025-02-01", true},
		{"2025-02-01", "2025-02-01", true},
		{"29/02/24", "2024-02-29", true},
		{"29/02/25", "", false},
		{"2025/02/01", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeDate(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeDate(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

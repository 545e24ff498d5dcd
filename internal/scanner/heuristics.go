package scanner

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/xelth-com/eckstocktake/internal/catalog"
)

var (
	trailingExpiryPattern = regexp.MustCompile(`\d{2}/\d{2}/\d{2}$`)
	separatorPattern      = regexp.MustCompile(`[-_\s]+`)
)

// StripTrailingExpiry removes a DD/MM/YY date at the very end of raw.
// It returns the remainder (trailing whitespace trimmed) and the date in
// ISO form, or raw unchanged and "" when no valid date ends the string.
func StripTrailingExpiry(raw string) (string, string) {
	m := trailingExpiryPattern.FindString(raw)
	if m == "" {
		return raw, ""
	}
	iso, ok := NormalizeDate(m)
	if !ok {
		return raw, ""
	}
	rest := strings.TrimRightFunc(raw[:len(raw)-len(m)], unicode.IsSpace)
	return rest, iso
}

// MatchStockCodePrefix returns the longest known stock code that is a
// case-insensitive prefix of raw, or "" when none is
func MatchStockCodePrefix(raw string, codes []string) string {
	sorted := append([]string(nil), codes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	lower := strings.ToLower(raw)
	for _, code := range sorted {
		if code != "" && strings.HasPrefix(lower, strings.ToLower(code)) {
			return code
		}
	}
	return ""
}

// TrimBatchSeparators strips separator characters (- and _) and whitespace
// around a batch candidate
func TrimBatchSeparators(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || unicode.IsSpace(r)
	})
}

// SplitUnknownRM splits a code with no known stock code on separators. The
// first token is the provisional stock code, the rest joined with "-" the
// provisional batch.
func SplitUnknownRM(s string) (string, string) {
	var tokens []string
	for _, t := range separatorPattern.Split(s, -1) {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return "", ""
	}
	return tokens[0], strings.Join(tokens[1:], "-")
}

// MatchKnownBatch finds the catalog batch a scanned candidate refers to.
// Exact (case-insensitive) matches win; otherwise, unless strict, the first
// batch where either string contains the other is taken. Containment is kept
// for label compatibility and can match short batch codes loosely.
func MatchKnownBatch(candidate string, batches []catalog.BatchEntry, strict bool) (catalog.BatchEntry, bool) {
	if candidate == "" {
		return catalog.BatchEntry{}, false
	}
	for _, b := range batches {
		if strings.EqualFold(b.BatchNumber, candidate) {
			return b, true
		}
	}
	if strict {
		return catalog.BatchEntry{}, false
	}
	c := strings.ToLower(candidate)
	for _, b := range batches {
		known := strings.ToLower(b.BatchNumber)
		if known == "" {
			continue
		}
		if strings.Contains(c, known) || strings.Contains(known, c) {
			return b, true
		}
	}
	return catalog.BatchEntry{}, false
}

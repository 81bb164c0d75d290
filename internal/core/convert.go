package core

// convert.go turns raw CSV cells into engine values.
//
// Exports pass through spreadsheets before they reach us, so cells are
// cleaned of the usual artifacts first:
//   - Surrounding whitespace
//   - Excel formula prefixes (="123")
//   - Stray surrounding quotes
//
// Numbers are strict integers after cleaning; "5.0" or "5 msgs" is a parse
// failure and the row is skipped.

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderIndex maps a lowercased, cleaned column name to its position.
type HeaderIndex map[string]int

// MakeHeaderIndex creates a HeaderIndex from a CSV header row.
// Keys are lowercased for case-insensitive matching. When a name repeats,
// the first occurrence wins.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if _, ok := idx[key]; !ok {
			idx[key] = i
		}
	}
	return idx
}

// Missing returns the columns of want that the header does not contain,
// in the order given.
func (h HeaderIndex) Missing(want []string) []string {
	var missing []string
	for _, col := range want {
		if _, ok := h[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

// CleanCell removes common CSV artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// ParseInt parses a cleaned integer cell.
func ParseInt(s string) (int64, error) {
	s = CleanCell(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return n, nil
}

// ParseSubjectID parses a member id cell.
func ParseSubjectID(s string) (SubjectID, error) {
	n, err := ParseInt(s)
	if err != nil {
		return 0, err
	}
	return SubjectID(n), nil
}

// ParseTenantCell parses the guild id column of a row. Unlike ParseTenantID it
// accepts any integer: a row for a foreign or bogus guild is a mismatch, not
// a parse failure.
func ParseTenantCell(s string) (TenantID, error) {
	n, err := ParseInt(s)
	if err != nil {
		return 0, err
	}
	return TenantID(n), nil
}

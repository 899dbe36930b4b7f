package crawler

import (
	"fmt"
	"net/url"
	"strconv"
)

// KeyLength is the width of a canonical index key.
const KeyLength = 11

// RecordKey is the composite identifier of one registry entry.
type RecordKey struct {
	Year       int `json:"year"`
	RecordType int `json:"recordType"`
	Sequence   int `json:"sequence"`
	Revision   int `json:"revision"`
}

// GenerateKey concatenates year, record type, the five-digit sequence and the
// two-digit revision. Year and record type are not range checked.
func GenerateKey(year, recordType, sequence, revision int) string {
	return fmt.Sprintf("%d%d%05d%02d", year, recordType, sequence, revision)
}

// String returns the canonical form of k.
func (k RecordKey) String() string {
	return GenerateKey(k.Year, k.RecordType, k.Sequence, k.Revision)
}

// ParseKey splits an 11-character index key at its fixed offsets.
func ParseKey(s string) (RecordKey, error) {
	if len(s) != KeyLength {
		return RecordKey{}, fmt.Errorf("%w: %q has length %d", ErrMalformedKey, s, len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return RecordKey{}, fmt.Errorf("%w: %q has non-digit at offset %d", ErrMalformedKey, s, i)
		}
	}
	// Offsets are digit-only at this point, so Atoi cannot fail.
	year, _ := strconv.Atoi(s[0:3])
	recordType, _ := strconv.Atoi(s[3:4])
	sequence, _ := strconv.Atoi(s[4:9])
	revision, _ := strconv.Atoi(s[9:11])
	return RecordKey{
		Year:       year,
		RecordType: recordType,
		Sequence:   sequence,
		Revision:   revision,
	}, nil
}

// PageURL builds the detail page address for an index key.
func PageURL(base, indexKey string) string {
	return base + "?INDEX_KEY=" + url.QueryEscape(indexKey)
}

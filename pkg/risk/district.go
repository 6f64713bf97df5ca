package risk

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// BatchSeparator splits "<DISTRICT>-<SEQ>" batch identifiers.
const BatchSeparator = "-"

var ErrUnparseableBatchID = errors.New("batch id does not name a district")

// NormalizeDistrict trims, NFC-normalises and upper-cases a district name.
func NormalizeDistrict(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	return cases.Upper(language.Und).String(name)
}

// DistrictOf derives the district a batch belongs to from its identifier:
// everything before the last separator, normalised. Identifiers without a
// district part or without a sequence part are rejected.
func DistrictOf(batchID string) (string, error) {
	i := strings.LastIndex(batchID, BatchSeparator)
	if i < 0 {
		return "", fmt.Errorf("%w: %q has no %q separator", ErrUnparseableBatchID, batchID, BatchSeparator)
	}
	district := NormalizeDistrict(batchID[:i])
	seq := strings.TrimSpace(batchID[i+len(BatchSeparator):])
	if district == "" || seq == "" {
		return "", fmt.Errorf("%w: %q", ErrUnparseableBatchID, batchID)
	}
	return district, nil
}

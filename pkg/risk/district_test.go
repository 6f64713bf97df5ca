package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDistrict(t *testing.T) {
	assert.Equal(t, "ARIYALUR", NormalizeDistrict("  ariyalur\t"))
	assert.Equal(t, "THE NILGIRIS", NormalizeDistrict("The Nilgiris"))
	// "e" + combining acute composes to a single rune before upper-casing.
	assert.Equal(t, "\u00c9", NormalizeDistrict("e\u0301"))
}

func TestDistrictOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"ARIYALUR-B001", "ARIYALUR"},
		{"salem-7", "SALEM"},
		{"KANCHI-PURAM-B3", "KANCHI-PURAM"},
		{" madurai -B9", "MADURAI"},
	}
	for _, tt := range tests {
		got, err := DistrictOf(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestDistrictOf_Unparseable(t *testing.T) {
	for _, id := range []string{"ARIYALUR", "-B001", "ARIYALUR-", "  -  ", ""} {
		_, err := DistrictOf(id)
		assert.ErrorIs(t, err, ErrUnparseableBatchID, id)
	}
}

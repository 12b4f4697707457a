package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1.2345", "1.2345", false},
		{" 24.90 ", "24.9", false},
		{"1.234500", "1.2345", false},
		{"1.23456", "", true},
		{"1e2", "", true},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, MustMoney(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestParseQuantity_Places(t *testing.T) {
	_, err := ParseQuantity("0.00001")
	assert.ErrorContains(t, err, "more than 4 fractional digits")

	q, err := ParseQuantity("0.3333")
	require.NoError(t, err)
	assert.Equal(t, "0.3333", q.String())
}

func TestFitsPlaces(t *testing.T) {
	assert.True(t, FitsPlaces(MustQuantity("1.2300"), 2))
	assert.True(t, FitsPlaces(MustQuantity("-0.0001"), QuantityPlaces))
	assert.False(t, FitsPlaces(MustQuantity("-0.00001"), QuantityPlaces))

	value := MustQuantity("0.3333").Mul(MustMoney("1.2345"))
	assert.True(t, FitsPlaces(value, ValuePlaces))
	assert.False(t, FitsPlaces(value, MoneyPlaces))
}

package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/papertrade/ledger-engine/internal/model"
)

func TestParseDays(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "7", false},
		{"1", "1", false},
		{" 90 ", "90", false},
		{"MAX", "max", false},
		{"3", "", true},
		{"-1", "", true},
		{"week", "", true},
	}

	for _, tt := range tests {
		got, err := ParseDays(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidRange, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFilter(t *testing.T) {
	quotes := []model.Quote{
		{AssetID: "bitcoin", Symbol: "BTC", Name: "Bitcoin"},
		{AssetID: "bitcoin-cash", Symbol: "BCH", Name: "Bitcoin Cash"},
		{AssetID: "ethereum", Symbol: "ETH", Name: "Ethereum"},
	}

	assert.Len(t, Filter(quotes, ""), 3)
	assert.Len(t, Filter(quotes, "bitcoin"), 2)
	assert.Len(t, Filter(quotes, "eth"), 1)
	assert.Len(t, Filter(quotes, "BCH"), 1)
	assert.Empty(t, Filter(quotes, "doge"))
}

package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"004/130", "4"},
		{"025/203", "25"},
		{"#25", "25"},
		{"# 007/102", "7"},
		{"130/130", "130"},
		{"SWSH001", "SWSH001"},
		{"TG12/TG30", "TG12"},
		{"000", "0"},
		{"", ""},
		{"  17  ", "17"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Number(tt.input))
		})
	}
}

func TestNumber_Idempotent(t *testing.T) {
	inputs := []string{"004/130", "#25", "SWSH001", "TG12/TG30", "", "abc"}
	for _, in := range inputs {
		once := Number(in)
		assert.Equal(t, once, Number(once), "Number not idempotent for %q", in)
	}
}

func TestNumber_SlashFormMatchesBareNumeral(t *testing.T) {
	// "NNN/MMM" must normalize to the same value as the bare "NNN" with
	// leading zeros stripped.
	pairs := [][2]string{
		{"004/130", "4"},
		{"025/203", "25"},
		{"100/100", "100"},
		{"001/1", "1"},
	}
	for _, p := range pairs {
		assert.Equal(t, Number(p[1]), Number(p[0]))
	}
}

func TestMatchNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"BW04", "BW4"},
		{"BW004", "BW4"},
		{"bw004", "BW4"},
		{"SWSH001", "SWSH1"},
		{"004/130", "4"},
		{"25", "25"},
		{"TG12/TG30", "TG12"},
		{"XY-P1", "XY-P1"}, // mixed prefix left alone
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchNumber(tt.input))
		})
	}
}

func TestMatchNumber_PrefixVariantsCompareEqual(t *testing.T) {
	assert.Equal(t, MatchNumber("BW04"), MatchNumber("BW004"))
	assert.Equal(t, MatchNumber("swsh001"), MatchNumber("SWSH01"))
}

func TestMatchNumber_Idempotent(t *testing.T) {
	inputs := []string{"BW04", "SWSH001", "004/130", "XY-P1", "promo"}
	for _, in := range inputs {
		once := MatchNumber(in)
		assert.Equal(t, once, MatchNumber(once))
	}
}

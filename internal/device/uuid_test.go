package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID",
			input:    "2A26",
			expected: "2a26",
		},
		{
			name:     "16-bit UUID with 0x prefix",
			input:    "0x180A",
			expected: "180a",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "00002a27-0000-1000-8000-00805f9b34fb",
			expected: "2a27",
		},
		{
			name:     "Full Bluetooth SIG UUID uppercase without dashes",
			input:    "0000180A00001000800000805F9B34FB",
			expected: "180a",
		},
		{
			name:     "vendor measurement characteristic",
			input:    "905E8E30-81E9-4796-9B75-B95CF5E30C0B",
			expected: "905e8e3081e947969b75b95cf5e30c0b",
		},
		{
			name:     "Custom UUID with SIG-like suffix but wrong prefix",
			input:    "AA002902-0000-1000-8000-00805f9b34fb",
			expected: "aa00290200001000800000805f9b34fb",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "surrounding whitespace",
			input:    " 2902 ",
			expected: "2902",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	input := []string{
		"0x180a",
		"00002a26-0000-1000-8000-00805f9b34fb",
		"905e8e01-81e9-4796-9b75-b95cf5e30c0b",
	}

	expected := []string{
		"180a",
		"2a26",
		"905e8e0181e947969b75b95cf5e30c0b",
	}

	assert.Equal(t, expected, NormalizeUUIDs(input))
}

// Test edge cases that should NOT be shortened
func TestNormalizeUUID_NoShortening(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{
			name:   "Wrong suffix - custom UUID",
			input:  "00002902-1234-5678-9abc-def012345678",
			reason: "suffix doesn't match Bluetooth SIG base",
		},
		{
			name:   "Too short",
			input:  "00002902",
			reason: "only 8 chars, not 32",
		},
		{
			name:   "Too long",
			input:  "0000290200001000800000805f9b34fb00",
			reason: "34 chars, not 32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeUUID(tt.input)
			assert.NotEqual(t, "2902", result, "Should NOT shorten: %s", tt.reason)
			assert.Equal(t, strings.ToLower(strings.ReplaceAll(tt.input, "-", "")), result)
		})
	}
}

func TestEqualUUID(t *testing.T) {
	assert.True(t, EqualUUID("2A27", "00002a27-0000-1000-8000-00805f9b34fb"))
	assert.True(t, EqualUUID("905E8E30-81E9-4796-9B75-B95CF5E30C0B", "905e8e3081e947969b75b95cf5e30c0b"))
	assert.False(t, EqualUUID("905e8e30-81e9-4796-9b75-b95cf5e30c0b", "905e8e34-81e9-4796-9b75-b95cf5e30c0b"))
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes valid UUIDs", func(t *testing.T) {
		got, err := ValidateUUID("0x2A26", "905e8e00-81e9-4796-9b75-b95cf5e30c0b")
		require.NoError(t, err)
		assert.Equal(t, []string{"2a26", "905e8e0081e947969b75b95cf5e30c0b"}, got)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)

		_, err = ValidateUUID("")
		assert.ErrorContains(t, err, "index 0")
	})

	t.Run("rejects malformed UUIDs", func(t *testing.T) {
		_, err := ValidateUUID("2a26", "zz11")
		assert.ErrorContains(t, err, "index 1")

		_, err = ValidateUUID("12345")
		assert.Error(t, err)
	})
}

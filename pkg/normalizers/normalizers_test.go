package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveChain(t *testing.T) {
	chain, err := ResolveChain([]string{"trim", "lowercase"})
	require.NoError(t, err)
	assert.Equal(t, "jon smith", chain.Apply("  Jon Smith "))
}

func TestResolveChainUnknown(t *testing.T) {
	_, err := ResolveChain([]string{"trim", "reverse"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown normalizer "reverse"`)
}

func TestResolveChainEmpty(t *testing.T) {
	chain, err := ResolveChain(nil)
	require.NoError(t, err)
	assert.Equal(t, "As Is", chain.Apply("As Is"))
}

func TestResolveChainCustom(t *testing.T) {
	Register("first_char", func(s string) string {
		if s == "" {
			return s
		}
		return s[:1]
	})

	chain, err := ResolveChain([]string{"lowercase", "first_char"})
	require.NoError(t, err)
	assert.Equal(t, "j", chain.Apply("Jon"))
}

func TestBuiltins(t *testing.T) {
	tests := []struct {
		normalizer string
		input      string
		want       string
	}{
		{"lowercase", "Jon SMITH", "jon smith"},
		{"uppercase", "jon", "JON"},
		{"trim", "  jon  ", "jon"},
		{"nphone", "(555) 123-4567", "5551234567"},
		{"nemail", " Jon.Smith@X.COM ", "jon.smith@x.com"},
		{"remove_whitespace", "jon smith", "jonsmith"},
		{"remove_punctuation", "o'brien, jr.", "obrien jr"},
		{"digits_only", "a1b2c3", "123"},
		{"alphanumeric", "jon-smith 2!", "jonsmith2"},
	}

	for _, tt := range tests {
		t.Run(tt.normalizer, func(t *testing.T) {
			fn, ok := Get(tt.normalizer)
			require.True(t, ok)
			assert.Equal(t, tt.want, fn(tt.input))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Jon Smith Jr.", "jon smith"},
		{"Dr.  Mary   O'Connor", "dr mary oconnor"},
		{"ROBERT JOHNSON III", "robert johnson"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.input))
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "123 main st apt 4", NormalizeAddress("123 Main Street Apartment 4"))
	assert.Equal(t, "500 n park ave", NormalizeAddress("500 North Park Avenue"))
}

func TestSoundex(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Jon", "J500"},
		{"John", "J500"},
		{"Smith", "S530"},
		{"Smyth", "S530"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Soundex(tt.input))
		})
	}
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "soundex")
	assert.Contains(t, names, "lowercase")
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}

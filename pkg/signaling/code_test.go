package signaling

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			require.True(t, strings.ContainsRune(CodeAlphabet, r), "unexpected %q in %s", r, code)
		}
		assert.True(t, ValidCode(code))
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 450)
}

func TestCodeAlphabetIsUnambiguous(t *testing.T) {
	assert.Len(t, CodeAlphabet, 32)
	for _, c := range "IO01" {
		assert.NotContains(t, CodeAlphabet, string(c))
	}
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("K7M2Q"))
	assert.False(t, ValidCode("k7m2q"))
	assert.False(t, ValidCode("K7M2"))
	assert.False(t, ValidCode("K7M2QX"))
	assert.False(t, ValidCode("K0M2Q"))
	assert.Equal(t, "K7M2Q", NormalizeCode("  k7m2q "))
}

func TestCodeLinkRoundTrip(t *testing.T) {
	link := CodeLink("https://selfie.example/remote/", "K7M2Q")
	assert.Equal(t, "https://selfie.example/remote/?code=K7M2Q", link)

	code, err := CodeFromLink(link)
	require.NoError(t, err)
	assert.Equal(t, "K7M2Q", code)

	code, err = CodeFromLink(" k7m2q ")
	require.NoError(t, err)
	assert.Equal(t, "K7M2Q", code)

	_, err = CodeFromLink("https://selfie.example/remote/?other=1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateName(t *testing.T) {
	name, err := ValidateName("  phoneA ")
	require.NoError(t, err)
	assert.Equal(t, "phoneA", name)

	for _, bad := range []string{"", "   ", "a/b", "a.b", "cam#1"} {
		_, err := ValidateName(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

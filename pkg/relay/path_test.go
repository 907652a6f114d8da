package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "/", want: ""},
		{in: "/pairs/ABCDE/", want: "pairs/ABCDE"},
		{in: "sessions/s1/offer", want: "sessions/s1/offer"},
		{in: "a//b", wantErr: true},
		{in: "a/b.c", wantErr: true},
		{in: "a/#", wantErr: true},
		{in: "a/$x", wantErr: true},
		{in: "a/[0]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanWritableRejectsRoot(t *testing.T) {
	_, err := cleanWritable("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("a", "/b/", "", "c"))
	assert.Equal(t, "c", Base("a/b/c"))
	assert.Equal(t, "a", Base("a"))
	assert.Equal(t, "a/b", Parent("a/b/c"))
	assert.Equal(t, "", Parent("a"))
	assert.Nil(t, Segments(""))
	assert.Equal(t, []string{"a", "b"}, Segments("a/b"))
}

func TestRelated(t *testing.T) {
	assert.True(t, Contains("", "a/b"))
	assert.True(t, Contains("a", "a/b"))
	assert.False(t, Contains("a", "ab"))

	assert.True(t, related("a/b", "a"))
	assert.True(t, related("a", "a/b/c"))
	assert.False(t, related("a/b", "a/c"))
	assert.True(t, relatedAny("x", []string{"y", "x/z"}))
	assert.False(t, relatedAny("x", nil))
}

func TestNormalizePrunesEmpty(t *testing.T) {
	v, err := normalize(map[string]any{"a": map[string]any{}, "b": nil})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = normalize(map[string]any{"a": map[string]any{"b": 1}, "c": nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":1}}`, string(encode(v)))

	_, err = normalize(map[string]any{"a.b": 1})
	assert.ErrorIs(t, err, ErrInvalidPath)
}

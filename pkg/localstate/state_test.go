package localstate

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraNamePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "", c.CameraName(ctx))
	require.NoError(t, c.SetCameraName(ctx, "phoneA"))

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "phoneA", reopened.CameraName(ctx))

	data, err := os.ReadFile(filepath.Join(dir, DefaultKey))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cameraName": "phoneA"`)
}

func TestViewerIDGeneratedOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(dir)
	require.NoError(t, err)
	id, err := c.ViewerID(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^viewer-[0-9a-z]{7}$`), id)

	again, err := c.ViewerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, c.SetCameraName(ctx, "phoneA"))
	s, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{CameraName: "phoneA", ViewerID: id}, s)
}

func TestCorruptStateIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultKey), []byte("{not json"), 0o644))

	c, err := Open(dir)
	require.NoError(t, err)
	_, err = c.Load(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "", c.CameraName(context.Background()))
}

func TestNewViewerID(t *testing.T) {
	pattern := regexp.MustCompile(`^viewer-[0-9a-z]{7}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		id, err := NewViewerID()
		require.NoError(t, err)
		require.Regexp(t, pattern, id)
		seen[id] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)
}

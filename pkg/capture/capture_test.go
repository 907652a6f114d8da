package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
)

func testFrame(w, h int) image.Image {
	return imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
}

func staticSource(img image.Image) FrameSource {
	return FrameFunc(func(context.Context) (image.Image, error) { return img, nil })
}

func newLocal(t *testing.T) *storage.LocalStorage {
	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return st
}

func TestCaptureEncodesAndFits(t *testing.T) {
	c := New(staticSource(testFrame(1600, 900)), nil, Config{MaxDimension: 800})

	still, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 800, still.Width)
	assert.Equal(t, 450, still.Height)

	decoded, err := jpeg.Decode(bytes.NewReader(still.Data))
	require.NoError(t, err)
	assert.Equal(t, 800, decoded.Bounds().Dx())

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Same(t, still, cur)
}

func TestCaptureWithoutFrame(t *testing.T) {
	c := New(staticSource(image.NewRGBA(image.Rect(0, 0, 0, 0))), nil, Config{})
	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	_, ok := c.Current()
	assert.False(t, ok)
}

func TestDownloadNaming(t *testing.T) {
	st := newLocal(t)
	c := New(staticSource(testFrame(64, 48)), st, Config{Prefix: "viewer"})
	ctx := context.Background()

	_, err := c.Download(ctx)
	assert.ErrorIs(t, err, ErrNothingCaptured)

	_, err = c.Capture(ctx)
	require.NoError(t, err)
	loc, err := c.Download(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`viewer-capture-\d+\.jpg$`), loc)

	files, err := st.List(ctx, "viewer-capture-")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestResetClearsPreview(t *testing.T) {
	c := New(staticSource(testFrame(10, 10)), newLocal(t), Config{})
	_, err := c.Capture(context.Background())
	require.NoError(t, err)

	c.Reset()
	_, ok := c.Current()
	assert.False(t, ok)
	_, err = c.Download(context.Background())
	assert.ErrorIs(t, err, ErrNothingCaptured)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.jpg")
	src := FileSource{Path: path}

	_, err := src.Frame(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, imaging.Save(testFrame(32, 24), path))
	img, err := src.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err = src.Frame(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestHTTPSource(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, imaging.Encode(&body, testFrame(20, 10), imaging.JPEG))

	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body.Bytes())
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, 0)
	_, err := src.Frame(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	ready.Store(true)
	img, err := src.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
}

func TestNewSource(t *testing.T) {
	src, ok := NewSource(SourceConfig{URL: "http://cam.local/snapshot.jpg", File: "/tmp/frame.jpg"})
	require.True(t, ok)
	assert.IsType(t, &HTTPSource{}, src)

	src, ok = NewSource(SourceConfig{File: "/tmp/frame.jpg"})
	require.True(t, ok)
	assert.Equal(t, FileSource{Path: "/tmp/frame.jpg"}, src)

	src, ok = NewSource(SourceConfig{})
	assert.False(t, ok)
	_, err := src.Frame(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
}

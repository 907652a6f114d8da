// Package capture turns the current video frame into a still image and
// delivers it on request.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
)

var (
	// ErrNoFrame is returned when the video has not produced a frame yet.
	ErrNoFrame = errors.New("no video to capture")
	// ErrNothingCaptured is returned by Download without a current still.
	ErrNothingCaptured = errors.New("no captured image")
)

const defaultJPEGQuality = 92

// Config controls encoding and naming of stills.
type Config struct {
	JPEGQuality  int    `mapstructure:"jpeg_quality"`
	MaxDimension int    `mapstructure:"max_dimension"`
	Prefix       string `mapstructure:"prefix"`
}

// Still is a captured frame encoded as JPEG.
type Still struct {
	Data    []byte
	Width   int
	Height  int
	TakenAt time.Time
}

// Capturer keeps the current still preview for one client.
type Capturer struct {
	src FrameSource
	st  storage.Storage
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	current *Still
}

// New creates a Capturer. st may be nil, in which case Download fails.
func New(src FrameSource, st storage.Storage, cfg Config) *Capturer {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "camera"
	}
	return &Capturer{src: src, st: st, cfg: cfg, now: time.Now}
}

// Capture grabs a frame, encodes it and makes it the current preview.
func (c *Capturer) Capture(ctx context.Context) (*Still, error) {
	img, err := c.src.Frame(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := checkDimensions(img); err != nil {
		return nil, err
	}

	if limit := c.cfg.MaxDimension; limit > 0 {
		b := img.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			img = imaging.Fit(img, limit, limit, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}

	b := img.Bounds()
	still := &Still{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), TakenAt: c.now()}

	c.mu.Lock()
	c.current = still
	c.mu.Unlock()

	l := pkglog.Ctx(ctx)
	l.Info().Int("width", still.Width).Int("height", still.Height).Int("bytes", len(still.Data)).Msg("captured still")
	return still, nil
}

// Current returns the current preview, if any.
func (c *Capturer) Current() (*Still, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != nil
}

// Download stores the current preview as <prefix>-capture-<epoch-ms>.jpg
// and returns its location.
func (c *Capturer) Download(ctx context.Context) (string, error) {
	still, ok := c.Current()
	if !ok {
		return "", ErrNothingCaptured
	}
	if c.st == nil {
		return "", errors.New("capture: no download storage configured")
	}

	key := fmt.Sprintf("%s-capture-%d.jpg", c.cfg.Prefix, c.now().UnixMilli())
	if err := c.st.Write(ctx, key, bytes.NewReader(still.Data), int64(len(still.Data)), "image/jpeg"); err != nil {
		return "", fmt.Errorf("store still: %w", err)
	}

	loc, err := c.st.GetURL(ctx, key, time.Hour)
	if err != nil {
		loc = key
	}
	l := pkglog.Ctx(ctx)
	l.Info().Str("key", key).Str("location", loc).Msg("downloaded still")
	return loc, nil
}

// Reset clears the preview, ready for the next shot.
func (c *Capturer) Reset() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

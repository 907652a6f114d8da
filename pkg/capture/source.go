package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/disintegration/imaging"
)

// FrameSource yields the most recent video frame.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// FrameFunc adapts a function to FrameSource.
type FrameFunc func(ctx context.Context) (image.Image, error)

func (f FrameFunc) Frame(ctx context.Context) (image.Image, error) { return f(ctx) }

// FileSource reads the latest frame from a file that an external decoder
// keeps overwriting.
type FileSource struct {
	Path string
}

func (s FileSource) Frame(ctx context.Context) (image.Image, error) {
	if s.Path == "" {
		return nil, ErrNoFrame
	}
	info, err := os.Stat(s.Path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		return nil, ErrNoFrame
	}
	if err != nil {
		return nil, fmt.Errorf("stat frame: %w", err)
	}
	img, err := imaging.Open(s.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return checkDimensions(img)
}

// HTTPSource fetches a snapshot from a URL, such as a camera's JPEG
// snapshot endpoint.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates an HTTPSource with a bounded client timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Frame(ctx context.Context) (image.Image, error) {
	if s.URL == "" {
		return nil, ErrNoFrame
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch frame: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNoFrame
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch frame: unexpected status %d", resp.StatusCode)
	}

	img, err := imaging.Decode(resp.Body, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return checkDimensions(img)
}

// checkDimensions treats a zero-sized frame as no frame, the state of a
// video that has not produced a picture yet.
func checkDimensions(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, ErrNoFrame
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrNoFrame
	}
	return img, nil
}

// SourceConfig selects a FrameSource. URL takes precedence over File.
type SourceConfig struct {
	URL     string        `mapstructure:"url"`
	File    string        `mapstructure:"file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewSource returns the configured source. ok is false when neither a URL
// nor a file is set.
func NewSource(cfg SourceConfig) (src FrameSource, ok bool) {
	switch {
	case cfg.URL != "":
		return NewHTTPSource(cfg.URL, cfg.Timeout), true
	case cfg.File != "":
		return FileSource{Path: cfg.File}, true
	default:
		return FileSource{}, false
	}
}

// Package localstate persists the little a client remembers between runs:
// the camera's device name and the viewer's identity.
package localstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
)

// DefaultKey is the storage key of the state document.
const DefaultKey = "state.json"

const (
	viewerIDPrefix = "viewer-"
	viewerIDLength = 7
)

// State is the persisted document.
type State struct {
	CameraName string `json:"cameraName,omitempty"`
	ViewerID   string `json:"viewerId,omitempty"`
}

// Cache reads and writes State through a Storage. Writes are atomic when
// the storage is local.
type Cache struct {
	st  storage.Storage
	key string

	mu sync.Mutex
}

// New creates a Cache over st.
func New(st storage.Storage) *Cache {
	return &Cache{st: st, key: DefaultKey}
}

// Open creates a Cache in dir on the local filesystem.
func Open(dir string) (*Cache, error) {
	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: dir})
	if err != nil {
		return nil, err
	}
	return New(st), nil
}

// Load returns the stored state. A missing document is an empty State.
func (c *Cache) Load(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

func (c *Cache) load(ctx context.Context) (State, error) {
	var s State
	rc, err := c.st.Read(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read local state: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return s, fmt.Errorf("read local state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode local state: %w", err)
	}
	return s, nil
}

func (c *Cache) save(ctx context.Context, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := c.st.Write(ctx, c.key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("write local state: %w", err)
	}
	return nil
}

func (c *Cache) modify(ctx context.Context, fn func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.load(ctx)
	if err != nil {
		return err
	}
	fn(&s)
	return c.save(ctx, s)
}

// CameraName returns the cached camera name, or "" when unknown or
// unreadable.
func (c *Cache) CameraName(ctx context.Context) string {
	s, err := c.Load(ctx)
	if err != nil {
		return ""
	}
	return s.CameraName
}

// SetCameraName remembers name for the next registration.
func (c *Cache) SetCameraName(ctx context.Context, name string) error {
	return c.modify(ctx, func(s *State) { s.CameraName = name })
}

// ViewerID returns the viewer identity, generating and storing one on
// first use.
func (c *Cache) ViewerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	if s.ViewerID != "" {
		return s.ViewerID, nil
	}
	id, err := NewViewerID()
	if err != nil {
		return "", err
	}
	s.ViewerID = id
	if err := c.save(ctx, s); err != nil {
		return "", err
	}
	return id, nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewViewerID returns "viewer-" followed by 7 random base36 characters.
func NewViewerID() (string, error) {
	id, err := gonanoid.Generate(base36, viewerIDLength)
	if err != nil {
		return "", fmt.Errorf("generate viewer id: %w", err)
	}
	return viewerIDPrefix + id, nil
}

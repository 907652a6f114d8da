package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process relay tree shared by any number of
// MemoryStore clients. The relay service uses it as its default backing
// store and tests use it to run both roles in one process.
type MemoryBackend struct {
	mu      sync.Mutex
	root    map[string]any
	subs    map[*memorySub]struct{}
	clients map[*MemoryStore]struct{}
}

// NewMemoryBackend creates an empty tree.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		root:    make(map[string]any),
		subs:    make(map[*memorySub]struct{}),
		clients: make(map[*MemoryStore]struct{}),
	}
}

// Connect returns a new client of the backend.
func (b *MemoryBackend) Connect() *MemoryStore {
	s := &MemoryStore{backend: b}
	b.mu.Lock()
	b.clients[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Clients returns the number of connected clients.
func (b *MemoryBackend) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

type subKind int

const (
	subValue subKind = iota
	subChild
)

type memorySub struct {
	path string
	kind subKind
	d    *deliverer

	primed bool
	last   json.RawMessage
	seen   map[string]struct{}
}

// apply runs mutate under the lock and then brings every related
// subscription up to date. Subscriptions are refreshed while the lock is
// held so no two mutations interleave their notifications.
func (b *MemoryBackend) apply(changed []string, mutate func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mutate()

	for sub := range b.subs {
		for _, p := range changed {
			if related(sub.path, p) {
				b.refresh(sub)
				break
			}
		}
	}
}

func (b *MemoryBackend) refresh(sub *memorySub) {
	node := getNode(b.root, Segments(sub.path))

	switch sub.kind {
	case subValue:
		raw := encode(node)
		if sub.primed && bytes.Equal(raw, sub.last) {
			return
		}
		sub.primed = true
		sub.last = raw
		sub.d.push(Snapshot{Path: sub.path, Key: Base(sub.path), Raw: raw})

	case subChild:
		m, _ := node.(map[string]any)
		for k := range sub.seen {
			if _, ok := m[k]; !ok {
				delete(sub.seen, k)
			}
		}
		for _, k := range childKeys(m) {
			if _, ok := sub.seen[k]; ok {
				continue
			}
			sub.seen[k] = struct{}{}
			sub.d.push(Snapshot{Path: Join(sub.path, k), Key: k, Raw: encode(m[k])})
		}
	}
}

// MemoryStore is one client of a MemoryBackend.
type MemoryStore struct {
	backend *MemoryBackend

	mu           sync.Mutex
	closed       bool
	subs         []*memorySub
	onDisconnect disconnectPaths
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Write implements Store.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if s.isClosed() {
		return ErrClosed
	}
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	s.backend.apply([]string{p}, func() {
		setNode(s.backend.root, Segments(p), v)
	})
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	base, err := cleanWritable(path)
	if err != nil {
		return err
	}

	type write struct {
		path  string
		value any
	}
	writes := make([]write, 0, len(fields))
	changed := make([]string, 0, len(fields))
	for k, raw := range fields {
		rel, err := cleanWritable(k)
		if err != nil {
			return err
		}
		v, err := normalize(raw)
		if err != nil {
			return err
		}
		p := Join(base, rel)
		writes = append(writes, write{path: p, value: v})
		changed = append(changed, p)
	}

	s.backend.apply(changed, func() {
		for _, w := range writes {
			setNode(s.backend.root, Segments(w.path), w.value)
		}
	})
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

// CompareAndDelete implements Store.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, path string, expected json.RawMessage) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	p, err := cleanWritable(path)
	if err != nil {
		return false, err
	}
	segs := Segments(p)
	deleted := false
	s.backend.apply([]string{p}, func() {
		if sameValue(getNode(s.backend.root, segs), expected) {
			setNode(s.backend.root, segs, nil)
			deleted = true
		}
	})
	return deleted, nil
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if s.isClosed() {
		return Snapshot{}, ErrClosed
	}
	p, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}

	s.backend.mu.Lock()
	raw := encode(getNode(s.backend.root, Segments(p)))
	s.backend.mu.Unlock()

	return Snapshot{Path: p, Key: Base(p), Raw: raw}, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := newKey()
	if err := s.Write(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// SubscribeChildAdded implements Store.
func (s *MemoryStore) SubscribeChildAdded(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(path, subChild, fn)
}

// SubscribeValue implements Store.
func (s *MemoryStore) SubscribeValue(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(path, subValue, fn)
}

func (s *MemoryStore) subscribe(path string, kind subKind, fn Handler) (Unsubscribe, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	sub := &memorySub{path: p, kind: kind, d: newDeliverer(fn)}
	if kind == subChild {
		sub.seen = make(map[string]struct{})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.d.close()
		return nil, ErrClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	b := s.backend
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.refresh(sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			sub.d.close()
		})
	}, nil
}

// OnDisconnect implements Store.
func (s *MemoryStore) OnDisconnect(ctx context.Context, path string, action DisconnectAction) error {
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	if !action.valid() {
		return fmt.Errorf("relay: unsupported disconnect action %s", action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.onDisconnect = s.onDisconnect.apply(p, action)
	return nil
}

// Close implements Store. It behaves like an abrupt disconnect: the
// client's subscriptions stop and its disconnect actions run.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	paths := s.onDisconnect
	s.subs = nil
	s.onDisconnect = nil
	s.mu.Unlock()

	b := s.backend
	b.mu.Lock()
	for _, sub := range subs {
		delete(b.subs, sub)
		sub.d.close()
	}
	delete(b.clients, s)
	b.mu.Unlock()

	if len(paths) > 0 {
		b.apply(paths, func() {
			for _, p := range paths {
				setNode(b.root, Segments(p), nil)
			}
		})
	}
	return nil
}

// newKey returns a unique, time-ordered child key.
func newKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Package relay is the client side of the shared relay store: a
// hierarchical JSON tree addressed by slash-separated paths, with change
// subscriptions, store-generated child keys and remove-on-disconnect hooks.
//
// The store carries no application logic. Pairing, sessions and commands
// are conventions layered on top by package signaling and the role packages.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
)

// Snapshot is the value observed at a path. Raw is nil when the path holds
// no value.
type Snapshot struct {
	Path string
	Key  string
	Raw  json.RawMessage
}

// Exists reports whether the snapshot holds a value.
func (s Snapshot) Exists() bool {
	return len(s.Raw) > 0 && !bytes.Equal(s.Raw, []byte("null"))
}

// Decode unmarshals the snapshot into v. It returns ErrNoValue when the
// path is empty.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNoValue
	}
	return json.Unmarshal(s.Raw, v)
}

// Handler receives snapshots from a subscription. Calls for one
// subscription are serial and in delivery order.
type Handler func(Snapshot)

// Unsubscribe stops a subscription. It is safe to call more than once and
// from inside the subscription's own handler.
type Unsubscribe func()

// DisconnectAction is performed by the relay when the registering client
// goes away.
type DisconnectAction int

const (
	// DisconnectRemove deletes the path.
	DisconnectRemove DisconnectAction = iota + 1
	// DisconnectCancel withdraws the action registered for the path.
	DisconnectCancel
)

func (a DisconnectAction) String() string {
	switch a {
	case DisconnectRemove:
		return "remove"
	case DisconnectCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

func (a DisconnectAction) valid() bool {
	return a == DisconnectRemove || a == DisconnectCancel
}

// disconnectPaths is the ordered set of paths a client removes when it
// goes away. Each path appears once.
type disconnectPaths []string

func (d disconnectPaths) apply(p string, action DisconnectAction) disconnectPaths {
	i := slices.Index(d, p)
	switch {
	case action == DisconnectRemove && i < 0:
		return append(d, p)
	case action == DisconnectCancel && i >= 0:
		return slices.Delete(d, i, i+1)
	}
	return d
}

// Store is one client's connection to the relay.
type Store interface {
	// Write replaces the value at path. A nil value, an empty object or
	// JSON null deletes it.
	Write(ctx context.Context, path string, value any) error

	// Update writes each field below path. Field names may themselves be
	// relative paths. A nil field value deletes that child.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Delete removes path and everything below it.
	Delete(ctx context.Context, path string) error

	// CompareAndDelete removes path only if it still holds expected,
	// compared as JSON. It reports whether anything was removed.
	CompareAndDelete(ctx context.Context, path string, expected json.RawMessage) (bool, error)

	// Read returns the current value at path.
	Read(ctx context.Context, path string) (Snapshot, error)

	// Append stores value under a new store-generated child key of path and
	// returns that key. Keys sort in creation order.
	Append(ctx context.Context, path string, value any) (string, error)

	// SubscribeChildAdded delivers every existing child of path once, then
	// each child added later once, in arrival order.
	SubscribeChildAdded(ctx context.Context, path string, fn Handler) (Unsubscribe, error)

	// SubscribeValue delivers the current value of path (possibly absent),
	// then the new value after every change.
	SubscribeValue(ctx context.Context, path string, fn Handler) (Unsubscribe, error)

	// OnDisconnect registers an action the relay performs when this client
	// disconnects without running its own teardown. Registering a path
	// twice is a no-op; DisconnectCancel removes the registration.
	OnDisconnect(ctx context.Context, path string, action DisconnectAction) error

	// Close ends the connection. Registered disconnect actions run.
	Close() error
}

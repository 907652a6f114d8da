package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// Observer receives gateway activity, for metrics.
type Observer interface {
	ObserveOp(op string, err error)
	SubscriptionOpened()
	SubscriptionClosed()
}

type nopObserver struct{}

func (nopObserver) ObserveOp(string, error) {}
func (nopObserver) SubscriptionOpened()     {}
func (nopObserver) SubscriptionClosed()     {}

// Gateway executes frames from remote clients against a backing Store. It
// is transport agnostic: the caller reads frames off the wire, passes them
// to GatewayConn.Handle and writes whatever the send func receives.
type Gateway struct {
	store    Store
	observer Observer
}

// NewGateway creates a Gateway. obs may be nil.
func NewGateway(store Store, obs Observer) *Gateway {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Gateway{store: store, observer: obs}
}

// Store returns the backing store.
func (g *Gateway) Store() Store { return g.store }

// GatewayConn is the per-connection state: subscriptions and the paths to
// remove when the connection ends.
type GatewayConn struct {
	g      *Gateway
	id     string
	send   func(Frame) bool
	logger zerolog.Logger

	mu           sync.Mutex
	closed       bool
	subs         map[uint64]Unsubscribe
	onDisconnect disconnectPaths
}

// Attach creates connection state for clientID. send must not block; a
// false return means the frame could not be queued.
func (g *Gateway) Attach(clientID string, send func(Frame) bool) *GatewayConn {
	return &GatewayConn{
		g:      g,
		id:     clientID,
		send:   send,
		logger: pkglog.Component("relay.gateway").With().Str(pkglog.FieldClientID, clientID).Logger(),
		subs:   make(map[uint64]Unsubscribe),
	}
}

// Subscriptions returns the number of live subscriptions of the connection.
func (c *GatewayConn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Handle executes one request frame and sends its result.
func (c *GatewayConn) Handle(ctx context.Context, f Frame) {
	res := Frame{ID: f.ID, Op: OpResult, Path: f.Path, Sub: f.Sub}
	err := c.dispatch(ctx, f, &res)
	c.g.observer.ObserveOp(f.Op, err)
	if err != nil {
		c.logger.Debug().Err(err).Str(pkglog.FieldRelayOp, f.Op).Str(pkglog.FieldRelayPath, f.Path).Msg("relay request failed")
		res.Error = errorFrame(err)
	}
	if f.ID != 0 {
		c.send(res)
	}
}

func (c *GatewayConn) dispatch(ctx context.Context, f Frame, res *Frame) error {
	store := c.g.store

	switch f.Op {
	case OpWrite:
		return store.Write(ctx, f.Path, rawValue(f.Value))

	case OpUpdate:
		fields := make(map[string]any, len(f.Fields))
		for k, v := range f.Fields {
			fields[k] = rawValue(v)
		}
		return store.Update(ctx, f.Path, fields)

	case OpDelete:
		return store.Delete(ctx, f.Path)

	case OpCompareDelete:
		deleted, err := store.CompareAndDelete(ctx, f.Path, f.Value)
		if err != nil {
			return err
		}
		res.Value = json.RawMessage(strconv.FormatBool(deleted))
		return nil

	case OpRead:
		snap, err := store.Read(ctx, f.Path)
		if err != nil {
			return err
		}
		res.Key = snap.Key
		res.Value = snap.Raw
		return nil

	case OpAppend:
		key, err := store.Append(ctx, f.Path, rawValue(f.Value))
		if err != nil {
			return err
		}
		res.Key = key
		return nil

	case OpSubscribeChild, OpSubscribeValue:
		return c.subscribe(ctx, f)

	case OpUnsubscribe:
		c.unsubscribe(f.Sub)
		return nil

	case OpOnDisconnect:
		action, err := parseAction(f.Action)
		if err != nil {
			return &FrameError{Code: CodeBadRequest, Message: err.Error()}
		}
		p, err := cleanWritable(f.Path)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.onDisconnect = c.onDisconnect.apply(p, action)
		c.mu.Unlock()
		return nil

	default:
		return &FrameError{Code: CodeBadRequest, Message: "unknown op " + f.Op}
	}
}

func (c *GatewayConn) subscribe(ctx context.Context, f Frame) error {
	if f.Sub == 0 {
		return &FrameError{Code: CodeBadRequest, Message: "subscription id required"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, dup := c.subs[f.Sub]; dup {
		c.mu.Unlock()
		return &FrameError{Code: CodeBadRequest, Message: "subscription id in use"}
	}
	c.mu.Unlock()

	subID := f.Sub
	fn := func(s Snapshot) {
		c.send(Frame{Op: OpEvent, Sub: subID, Path: s.Path, Key: s.Key, Value: s.Raw})
	}

	var (
		unsub Unsubscribe
		err   error
	)
	if f.Op == OpSubscribeChild {
		unsub, err = c.g.store.SubscribeChildAdded(ctx, f.Path, fn)
	} else {
		unsub, err = c.g.store.SubscribeValue(ctx, f.Path, fn)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return ErrClosed
	}
	c.subs[subID] = unsub
	c.mu.Unlock()
	c.g.observer.SubscriptionOpened()
	return nil
}

func (c *GatewayConn) unsubscribe(id uint64) {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		unsub()
		c.g.observer.SubscriptionClosed()
	}
}

// Close drops every subscription and performs the connection's disconnect
// actions against the backing store.
func (c *GatewayConn) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	paths := c.onDisconnect
	c.subs = nil
	c.onDisconnect = nil
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
		c.g.observer.SubscriptionClosed()
	}
	for _, p := range paths {
		err := c.g.store.Delete(ctx, p)
		c.g.observer.ObserveOp(OpOnDisconnect, err)
		if err != nil {
			c.logger.Warn().Err(err).Str(pkglog.FieldRelayPath, p).Msg("disconnect action failed")
			continue
		}
		c.logger.Info().Str(pkglog.FieldRelayPath, p).Msg("removed on disconnect")
	}
}

// rawValue turns an absent wire value into a delete.
func rawValue(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

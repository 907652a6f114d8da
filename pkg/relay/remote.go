package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// RemoteConfig configures a websocket connection to the relay service.
type RemoteConfig struct {
	URL            string        `mapstructure:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

func (c *RemoteConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// RemoteStore is a Store backed by the relay service over one websocket.
// It does not reconnect: after the connection drops every operation fails
// with ErrTransient and Done is closed. The service then runs the
// registered disconnect actions.
type RemoteStore struct {
	cfg    RemoteConfig
	conn   *websocket.Conn
	logger zerolog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]*deliverer
	err     error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialRemote connects to the relay service websocket at cfg.URL.
func DialRemote(ctx context.Context, cfg RemoteConfig) (*RemoteStore, error) {
	cfg.setDefaults()
	if cfg.URL == "" {
		return nil, errors.New("relay: remote url is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, opError("dial", cfg.URL, err)
	}

	s := &RemoteStore{
		cfg:        cfg,
		conn:       conn,
		logger:     pkglog.Component("relay.remote").With().Str("url", cfg.URL).Logger(),
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		pending:    make(map[uint64]chan Frame),
		subs:       make(map[uint64]*deliverer),
	}

	s.wg.Add(2)
	go s.readPump()
	go s.writePump()

	s.logger.Info().Msg("connected to relay")
	return s, nil
}

// Done is closed once the connection is gone.
func (s *RemoteStore) Done() <-chan struct{} { return s.done }

// Err returns why the connection ended, or nil while it is up.
func (s *RemoteStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RemoteStore) readPump() {
	defer s.wg.Done()
	defer s.shutdown(opError("read", "", errors.New("connection lost")))

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("relay connection closed unexpectedly")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn().Err(err).Msg("malformed relay frame")
			continue
		}

		switch f.Op {
		case OpResult:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpEvent:
			s.mu.Lock()
			d, ok := s.subs[f.Sub]
			s.mu.Unlock()
			if ok {
				d.push(f.snapshot())
			}
		default:
			s.logger.Debug().Str(pkglog.FieldRelayOp, f.Op).Msg("ignoring relay frame")
		}
	}
}

func (s *RemoteStore) writePump() {
	defer s.wg.Done()
	defer close(s.writerDone)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.shutdown(opError("write", "", err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(opError("ping", "", err))
				return
			}
		}
	}
}

// shutdown records the first failure, fails pending requests and stops
// subscriptions. The read pump exits once the socket is closed.
func (s *RemoteStore) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		pending := s.pending
		subs := s.subs
		s.pending = make(map[uint64]chan Frame)
		s.subs = make(map[uint64]*deliverer)
		s.mu.Unlock()

		close(s.done)
		for id, ch := range pending {
			ch <- Frame{ID: id, Op: OpResult, Error: &FrameError{Code: CodeClosed, Message: reason.Error()}}
		}
		for _, d := range subs {
			d.close()
		}
		if !errors.Is(reason, ErrClosed) {
			s.logger.Warn().Err(reason).Msg("relay connection lost")
		}
	})
}

// request sends f and waits for its result frame.
func (s *RemoteStore) request(ctx context.Context, f Frame) (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, s.doneErr(f)
	default:
	}

	f.ID = s.nextID.Add(1)
	data, err := json.Marshal(f)
	if err != nil {
		return Frame{}, fmt.Errorf("relay: encode frame: %w", err)
	}

	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	select {
	case s.send <- data:
	case <-s.done:
		forget()
		return Frame{}, s.doneErr(f)
	case <-ctx.Done():
		forget()
		return Frame{}, opError(f.Op, f.Path, ctx.Err())
	}

	select {
	case res := <-ch:
		if res.Error != nil && res.Error.Code == CodeClosed && s.isDone() {
			return Frame{}, s.doneErr(f)
		}
		return res, remoteError(f.Op, f.Path, res.Error)
	case <-ctx.Done():
		forget()
		return Frame{}, opError(f.Op, f.Path, ctx.Err())
	}
}

func (s *RemoteStore) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *RemoteStore) doneErr(f Frame) error {
	if err := s.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return opError(f.Op, f.Path, err)
	}
	return ErrClosed
}

func marshalValue(v any) (json.RawMessage, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return encode(n), nil
}

// Write implements Store.
func (s *RemoteStore) Write(ctx context.Context, path string, value any) error {
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = s.request(ctx, Frame{Op: OpWrite, Path: p, Value: raw})
	return err
}

// Update implements Store.
func (s *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	wire := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if _, err := cleanWritable(Join(p, k)); err != nil {
			return err
		}
		raw, err := marshalValue(v)
		if err != nil {
			return err
		}
		wire[k] = raw
	}
	_, err = s.request(ctx, Frame{Op: OpUpdate, Path: p, Fields: wire})
	return err
}

// Delete implements Store.
func (s *RemoteStore) Delete(ctx context.Context, path string) error {
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	_, err = s.request(ctx, Frame{Op: OpDelete, Path: p})
	return err
}

// CompareAndDelete implements Store. The check and the delete run on the
// service as one operation.
func (s *RemoteStore) CompareAndDelete(ctx context.Context, path string, expected json.RawMessage) (bool, error) {
	p, err := cleanWritable(path)
	if err != nil {
		return false, err
	}
	res, err := s.request(ctx, Frame{Op: OpCompareDelete, Path: p, Value: expected})
	if err != nil {
		return false, err
	}
	return string(res.Value) == "true", nil
}

// Read implements Store.
func (s *RemoteStore) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := s.request(ctx, Frame{Op: OpRead, Path: p})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: p, Key: Base(p), Raw: res.Value}, nil
}

// Append implements Store.
func (s *RemoteStore) Append(ctx context.Context, path string, value any) (string, error) {
	p, err := cleanWritable(path)
	if err != nil {
		return "", err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return "", err
	}
	res, err := s.request(ctx, Frame{Op: OpAppend, Path: p, Value: raw})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

// SubscribeChildAdded implements Store.
func (s *RemoteStore) SubscribeChildAdded(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(ctx, OpSubscribeChild, path, fn)
}

// SubscribeValue implements Store.
func (s *RemoteStore) SubscribeValue(ctx context.Context, path string, fn Handler) (Unsubscribe, error) {
	return s.subscribe(ctx, OpSubscribeValue, path, fn)
}

func (s *RemoteStore) subscribe(ctx context.Context, op, path string, fn Handler) (Unsubscribe, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	// The deliverer is registered before the request goes out because the
	// gateway may send the initial events ahead of the result frame.
	id := s.nextSub.Add(1)
	d := newDeliverer(fn)
	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		d.close()
		return nil, s.doneErr(Frame{Op: op, Path: p})
	}
	s.subs[id] = d
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		d.close()
	}

	if _, err := s.request(ctx, Frame{Op: op, Path: p, Sub: id}); err != nil {
		drop()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			drop()
			if s.isDone() {
				return
			}
			data, err := json.Marshal(Frame{Op: OpUnsubscribe, Sub: id})
			if err != nil {
				return
			}
			select {
			case s.send <- data:
			default:
				s.logger.Warn().Uint64("sub", id).Msg("send queue full, unsubscribe dropped")
			}
		})
	}, nil
}

// OnDisconnect implements Store.
func (s *RemoteStore) OnDisconnect(ctx context.Context, path string, action DisconnectAction) error {
	p, err := cleanWritable(path)
	if err != nil {
		return err
	}
	if !action.valid() {
		return fmt.Errorf("relay: unsupported disconnect action %s", action)
	}
	_, err = s.request(ctx, Frame{Op: OpOnDisconnect, Path: p, Action: action.String()})
	return err
}

// Close implements Store. The service runs this client's disconnect
// actions when it sees the socket close.
func (s *RemoteStore) Close() error {
	s.shutdown(ErrClosed)
	<-s.writerDone
	err := s.conn.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

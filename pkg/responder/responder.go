// Package responder is the camera side of a session: it watches for
// session requests addressed to the camera, answers them, and runs the
// commands the viewer sends afterwards.
package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

// MediaSource provides the local tracks sent to viewers. Open is called
// for every session and should hand back the same tracks once acquired.
type MediaSource interface {
	Open(ctx context.Context) ([]webrtc.TrackLocal, error)
	Close() error
}

// Actions performs the commands a viewer can send.
type Actions interface {
	TakePhoto(ctx context.Context) error
	DownloadCaptured(ctx context.Context) error
	NextShot(ctx context.Context) error
}

// Options configures a Responder.
type Options struct {
	// OnStateChange is called for every session state transition.
	OnStateChange func(sessionID string, s State)
}

// Responder answers sessions for one camera identity. It implements
// pairing.Listener.
type Responder struct {
	store   relay.Store
	peers   pkgwebrtc.Factory
	media   MediaSource
	actions Actions
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	identity string
	watching bool
	unwatch  relay.Unsubscribe
	cancel   context.CancelFunc
	sessions map[string]*sessionContext
	seen     map[string]struct{}
	current  string

	wg sync.WaitGroup
}

// New creates a Responder.
func New(store relay.Store, peers pkgwebrtc.Factory, media MediaSource, actions Actions, opts Options) *Responder {
	return &Responder{
		store:    store,
		peers:    peers,
		media:    media,
		actions:  actions,
		opts:     opts,
		logger:   pkglog.Component("responder"),
		sessions: make(map[string]*sessionContext),
		seen:     make(map[string]struct{}),
	}
}

// Start watches for sessions targeting identity. Calling it again for the
// same identity is a no-op.
func (r *Responder) Start(ctx context.Context, identity string) error {
	r.mu.Lock()
	if r.watching {
		current := r.identity
		r.mu.Unlock()
		if current == identity {
			return nil
		}
		return fmt.Errorf("responder already watching as %q", current)
	}
	r.watching = true
	r.identity = identity
	logger := r.logger.With().Str(pkglog.FieldCamera, identity).Logger()
	runCtx, cancel := context.WithCancel(pkglog.WithLogger(context.WithoutCancel(ctx), logger))
	r.cancel = cancel
	r.mu.Unlock()

	unwatch, err := r.store.SubscribeChildAdded(ctx, signaling.SessionsPath, func(s relay.Snapshot) {
		r.observe(runCtx, s)
	})
	if err != nil {
		cancel()
		r.mu.Lock()
		r.watching = false
		r.cancel = nil
		r.mu.Unlock()
		return fmt.Errorf("watch sessions: %w", err)
	}

	r.mu.Lock()
	r.unwatch = unwatch
	r.mu.Unlock()
	logger.Info().Msg("watching for sessions")
	return nil
}

// Stop releases every session and the session watch, then releases local
// media.
func (r *Responder) Stop() {
	r.mu.Lock()
	if !r.watching {
		r.mu.Unlock()
		return
	}
	r.watching = false
	unwatch := r.unwatch
	r.unwatch = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	sessions := make([]*sessionContext, 0, len(r.sessions))
	for _, sc := range r.sessions {
		sessions = append(sessions, sc)
	}
	r.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for _, sc := range sessions {
		r.endSession(sc, StateDisconnected)
	}
	r.wg.Wait()

	if r.media != nil {
		if err := r.media.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release media")
		}
	}
	r.logger.Info().Msg("stopped watching for sessions")
}

// Current returns the most recently answered live session, or "".
func (r *Responder) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Sessions returns the state of every live session.
func (r *Responder) Sessions() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.sessions))
	for id, sc := range r.sessions {
		out[id] = sc.getState()
	}
	return out
}

// Notify posts kind to the current session's cameraCommands list so the
// viewer can mirror a local action.
func (r *Responder) Notify(ctx context.Context, kind signaling.CommandKind) error {
	r.mu.Lock()
	id, identity := r.current, r.identity
	r.mu.Unlock()
	if id == "" {
		return signaling.ErrNoSession
	}
	if _, err := signaling.PostCommand(ctx, r.store, id, signaling.CameraCommands, signaling.NewCommand(kind, identity)); err != nil {
		return fmt.Errorf("post %s: %w", kind, err)
	}
	return nil
}

// observe handles one session from the child-added watch.
func (r *Responder) observe(ctx context.Context, s relay.Snapshot) {
	logger := pkglog.Ctx(ctx).With().Str(pkglog.FieldSessionID, s.Key).Logger()

	var sess signaling.Session
	if err := s.Decode(&sess); err != nil {
		logger.Warn().Err(err).Msg("malformed session record")
		return
	}

	r.mu.Lock()
	identity := r.identity
	r.mu.Unlock()
	if sess.Target != identity {
		return
	}
	if sess.Offer == nil {
		logger.Debug().Msg("session has no offer, ignoring")
		return
	}
	if sess.Answer != nil {
		logger.Debug().Msg("session already answered, ignoring")
		return
	}

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if _, dup := r.seen[s.Key]; dup {
		r.mu.Unlock()
		logger.Debug().Msg("session already handled")
		return
	}
	r.seen[s.Key] = struct{}{}
	sc := newSessionContext(s.Key, sess.From, logger.With().Str(pkglog.FieldViewer, sess.From).Logger())
	r.sessions[sc.id] = sc
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.answer(pkglog.WithLogger(ctx, sc.logger), sc, sess); err != nil {
			sc.logger.Error().Err(err).Msg("failed to answer session")
			r.endSession(sc, StateFailed)
		}
	}()
}

func (r *Responder) answer(ctx context.Context, sc *sessionContext, sess signaling.Session) error {
	r.transition(sc, StateOffered)

	tracks, err := r.openMedia(ctx)
	if err != nil {
		if uerr := r.store.Update(ctx, signaling.SessionPath(sc.id), map[string]any{
			signaling.FieldStatus: signaling.StatusPermissionDenied,
		}); uerr != nil {
			sc.logger.Warn().Err(uerr).Msg("failed to record permission denial")
		}
		return fmt.Errorf("%w: %v", signaling.ErrPermission, err)
	}

	r.transition(sc, StateAnswering)
	peer, err := r.peers.NewAnswerer(tracks, pkgwebrtc.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if _, err := r.store.Append(ctx, signaling.SessionChild(sc.id, signaling.CalleeCandidates), c); err != nil {
				sc.logger.Warn().Err(err).Msg("failed to publish candidate")
			}
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			r.onPeerState(sc, s)
		},
	})
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	sc.setPeer(peer)
	sc.scope.Add(func() {
		if err := peer.Close(); err != nil {
			sc.logger.Debug().Err(err).Msg("peer close")
		}
	})

	unsub, err := r.store.SubscribeChildAdded(ctx, signaling.SessionChild(sc.id, signaling.CallerCandidates), func(s relay.Snapshot) {
		var c webrtc.ICECandidateInit
		if err := s.Decode(&c); err != nil {
			sc.logger.Warn().Err(err).Msg("malformed caller candidate")
			return
		}
		sc.addCandidate(c)
	})
	if err != nil {
		return fmt.Errorf("watch caller candidates: %w", err)
	}
	sc.scope.Add(unsub)

	if err := peer.SetRemoteDescription(*sess.Offer); err != nil {
		return err
	}
	sc.remoteApplied()

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, signaling.SessionPath(sc.id), map[string]any{
		signaling.FieldAnswer:   answer,
		signaling.FieldAnswered: true,
		signaling.FieldStatus:   signaling.StatusAnswered,
	}); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	r.transition(sc, StateAnswered)

	r.watchCommands(ctx, sc)

	r.mu.Lock()
	if _, live := r.sessions[sc.id]; live {
		r.current = sc.id
	}
	r.mu.Unlock()
	return nil
}

func (r *Responder) openMedia(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if r.media == nil {
		return nil, pkgwebrtc.ErrMediaUnavailable
	}
	return r.media.Open(ctx)
}

// watchCommands attaches the two command lists and the command slot.
func (r *Responder) watchCommands(ctx context.Context, sc *sessionContext) {
	for _, channel := range []string{signaling.Commands, signaling.ViewerCommands} {
		unsub, err := signaling.WatchCommands(ctx, r.store, sc.id, channel, func(cmd signaling.Command) {
			if err := r.dispatch(ctx, cmd); err != nil {
				sc.logger.Warn().Err(err).Str(pkglog.FieldCommand, cmd.Kind.String()).Str("channel", channel).Msg("command failed")
			}
		})
		if err != nil {
			sc.logger.Warn().Err(err).Str("channel", channel).Msg("failed to watch commands")
			continue
		}
		sc.scope.Add(unsub)
	}

	r.mu.Lock()
	identity := r.identity
	r.mu.Unlock()
	unsub, err := signaling.WatchSlotCommands(ctx, r.store, sc.id, identity, r.dispatch)
	if err != nil {
		sc.logger.Warn().Err(err).Str("channel", signaling.LastCommand).Msg("failed to watch commands")
		return
	}
	sc.scope.Add(unsub)
}

func (r *Responder) dispatch(ctx context.Context, cmd signaling.Command) error {
	l := pkglog.Ctx(ctx)
	l.Info().Str(pkglog.FieldCommand, cmd.Kind.String()).Str("from", cmd.From).Msg("command received")
	if r.actions == nil {
		return nil
	}
	switch cmd.Kind {
	case signaling.TakePhoto:
		return r.actions.TakePhoto(ctx)
	case signaling.DownloadCaptured:
		return r.actions.DownloadCaptured(ctx)
	case signaling.NextShot:
		return r.actions.NextShot(ctx)
	default:
		return fmt.Errorf("%w: %s", signaling.ErrUnknownCommand, cmd.Kind)
	}
}

func (r *Responder) onPeerState(sc *sessionContext, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		r.transition(sc, StateConnected)
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		r.endSession(sc, StateDisconnected)
	}
}

// endSession releases everything held for sc. Only the first call has an
// effect.
func (r *Responder) endSession(sc *sessionContext, final State) {
	if !sc.end() {
		return
	}
	sc.scope.Release()

	r.mu.Lock()
	delete(r.sessions, sc.id)
	if r.current == sc.id {
		r.current = ""
	}
	r.mu.Unlock()

	r.transition(sc, final)
}

func (r *Responder) transition(sc *sessionContext, s State) {
	if !sc.setState(s) {
		return
	}
	sc.logger.Info().Str(pkglog.FieldState, s.String()).Msg("session state")
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(sc.id, s)
	}
}

// CaptureActions runs viewer commands against a local Capturer.
func CaptureActions(c *capture.Capturer) Actions {
	return captureActions{c: c}
}

type captureActions struct {
	c *capture.Capturer
}

func (a captureActions) TakePhoto(ctx context.Context) error {
	_, err := a.c.Capture(ctx)
	return err
}

func (a captureActions) DownloadCaptured(ctx context.Context) error {
	_, err := a.c.Download(ctx)
	if errors.Is(err, capture.ErrNothingCaptured) {
		l := pkglog.Ctx(ctx)
		l.Info().Msg("nothing captured to download")
		return nil
	}
	return err
}

func (a captureActions) NextShot(ctx context.Context) error {
	a.c.Reset()
	return nil
}

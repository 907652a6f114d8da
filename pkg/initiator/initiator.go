// Package initiator is the viewer side of a session: it resolves a pairing
// code to a camera, offers a receive-only connection, applies the camera's
// answer once and drives the shared photo actions.
package initiator

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

// State is the viewer's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Capturer produces and delivers the viewer's own stills.
type Capturer interface {
	Capture(ctx context.Context) (*capture.Still, error)
	Download(ctx context.Context) (string, error)
	Reset()
}

// Options configures an Initiator. Every callback is optional.
type Options struct {
	// OnStatus receives human readable progress lines.
	OnStatus func(msg string)
	// OnStateChange is called when the connection state changes.
	OnStateChange func(s State, sessionID string)
	// OnTrack receives the camera's media tracks.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Initiator connects one viewer to at most one camera at a time.
type Initiator struct {
	store    relay.Store
	peers    pkgwebrtc.Factory
	capturer Capturer
	self     string
	opts     Options
	logger   zerolog.Logger

	mu    sync.Mutex
	sess  *session
	state State
}

// session is the viewer's half of one session record.
type session struct {
	target string
	peer   pkgwebrtc.Peer
	scope  signaling.Scope
	logger zerolog.Logger

	mu       sync.Mutex
	id       string
	pending  []webrtc.ICECandidateInit
	answered bool
}

// New creates an Initiator acting as viewer self. capturer may be nil, in
// which case CaptureFrame fails.
func New(store relay.Store, peers pkgwebrtc.Factory, capturer Capturer, self string, opts Options) *Initiator {
	return &Initiator{
		store:    store,
		peers:    peers,
		capturer: capturer,
		self:     self,
		opts:     opts,
		logger:   pkglog.Component("initiator").With().Str(pkglog.FieldViewer, self).Logger(),
	}
}

// State returns the connection state and the current session id.
func (i *Initiator) State() (State, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess == nil {
		return i.state, ""
	}
	return i.state, i.sess.sessionID()
}

func (i *Initiator) status(msg string) {
	i.logger.Info().Msg(msg)
	if i.opts.OnStatus != nil {
		i.opts.OnStatus(msg)
	}
}

// AutoConnect connects using the code carried by a pairing link.
func (i *Initiator) AutoConnect(ctx context.Context, link string) (string, error) {
	code, err := signaling.CodeFromLink(link)
	if err != nil {
		i.status("Invalid pairing link")
		return "", err
	}
	return i.ConnectByCode(ctx, code)
}

// ConnectByCode resolves code to a camera, consumes the code and connects.
// A missing code and an expired one both return ErrNotFound.
func (i *Initiator) ConnectByCode(ctx context.Context, code string) (string, error) {
	code = signaling.NormalizeCode(code)
	if code == "" {
		i.status("Enter a code")
		return "", fmt.Errorf("%w: pairing code is required", signaling.ErrValidation)
	}
	if !signaling.ValidCode(code) {
		i.status("Code not found or expired")
		return "", fmt.Errorf("%w: code %s", signaling.ErrNotFound, code)
	}
	logger := i.logger.With().Str(pkglog.FieldCode, code).Logger()

	i.status("Looking up code...")
	snap, err := i.store.Read(ctx, signaling.CodePath(code))
	if err != nil {
		i.status("Lookup error")
		return "", fmt.Errorf("look up code: %w", err)
	}
	var pc signaling.PairingCode
	if !snap.Exists() || snap.Decode(&pc) != nil || pc.Camera == "" {
		i.status("Code not found or expired")
		return "", fmt.Errorf("%w: code %s", signaling.ErrNotFound, code)
	}

	if err := i.store.Delete(ctx, signaling.CodePath(code)); err != nil {
		logger.Warn().Err(err).Msg("failed to consume code")
	}

	if _, err := i.ConnectCamera(ctx, pc.Camera); err != nil {
		return pc.Camera, err
	}
	return pc.Camera, nil
}

// ConnectCamera hangs up any live session and offers a new one to target.
// It returns the new session id; the connection completes asynchronously.
func (i *Initiator) ConnectCamera(ctx context.Context, target string) (string, error) {
	target, err := signaling.ValidateName(target)
	if err != nil {
		return "", err
	}
	i.HangUp()
	i.status("Connecting to " + target + " ...")

	// Callbacks outlive the caller's context.
	cbCtx := context.WithoutCancel(ctx)
	sess := &session{
		target: target,
		logger: i.logger.With().Str(pkglog.FieldCamera, target).Logger(),
	}

	peer, err := i.peers.NewOfferer(pkgwebrtc.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { i.publishCandidate(cbCtx, sess, c) },
		OnStateChange:  func(s webrtc.PeerConnectionState) { i.onPeerState(sess, s) },
		OnTrack:        i.opts.OnTrack,
	})
	if err != nil {
		i.status("Connection setup failed")
		return "", fmt.Errorf("create peer: %w", err)
	}
	sess.peer = peer
	sess.scope.Add(func() {
		if err := peer.Close(); err != nil {
			sess.logger.Debug().Err(err).Msg("peer close")
		}
	})

	i.mu.Lock()
	i.sess = sess
	i.mu.Unlock()
	i.setState(sess, StateConnecting)

	fail := func(msg string, err error) (string, error) {
		i.status(msg)
		i.teardown(sess)
		return "", err
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fail("Connection setup failed", err)
	}
	id, err := i.store.Append(ctx, signaling.SessionsPath, signaling.Session{
		From:    i.self,
		Target:  target,
		Offer:   &offer,
		Created: signaling.Now(),
	})
	if err != nil {
		return fail("Failed to write offer", fmt.Errorf("write session: %w", err))
	}
	sess.setID(cbCtx, i.store, id)
	i.status("Offer written, waiting for camera...")

	unsub, err := i.store.SubscribeValue(ctx, signaling.SessionChild(id, signaling.FieldAnswer), func(s relay.Snapshot) {
		i.onAnswer(cbCtx, sess, s)
	})
	if err != nil {
		return fail("Failed to watch for answer", fmt.Errorf("watch answer: %w", err))
	}
	sess.scope.Add(unsub)
	return id, nil
}

func (s *session) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// setID records the session key and publishes candidates gathered before
// the record existed.
func (s *session) setID(ctx context.Context, store relay.Store, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	for _, c := range s.pending {
		s.appendCandidate(ctx, store, c)
	}
	s.pending = nil
}

// appendCandidate must be called with mu held so candidates keep their
// gathering order.
func (s *session) appendCandidate(ctx context.Context, store relay.Store, c webrtc.ICECandidateInit) {
	if _, err := store.Append(ctx, signaling.SessionChild(s.id, signaling.CallerCandidates), c); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish candidate")
	}
}

func (i *Initiator) publishCandidate(ctx context.Context, sess *session, c webrtc.ICECandidateInit) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.id == "" {
		sess.pending = append(sess.pending, c)
		return
	}
	sess.appendCandidate(ctx, i.store, c)
}

// onAnswer applies the first answer seen while the offer is still
// pending. Later deliveries of the same field are ignored.
func (i *Initiator) onAnswer(ctx context.Context, sess *session, s relay.Snapshot) {
	if !s.Exists() {
		return
	}
	var answer webrtc.SessionDescription
	if err := s.Decode(&answer); err != nil {
		sess.logger.Warn().Err(err).Msg("malformed answer")
		return
	}

	sess.mu.Lock()
	if sess.answered || sess.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		sess.mu.Unlock()
		sess.logger.Debug().Msg("answer already applied")
		return
	}
	if err := sess.peer.SetRemoteDescription(answer); err != nil {
		sess.mu.Unlock()
		sess.logger.Warn().Err(err).Msg("answer apply failed")
		i.status("Failed to apply answer")
		return
	}
	sess.answered = true
	id := sess.id
	sess.mu.Unlock()

	i.status("Answer applied, stream should appear shortly")
	ctx = pkglog.WithLogger(ctx, sess.logger.With().Str(pkglog.FieldSessionID, id).Logger())

	unsub, err := i.store.SubscribeChildAdded(ctx, signaling.SessionChild(id, signaling.CalleeCandidates), func(s relay.Snapshot) {
		var c webrtc.ICECandidateInit
		if err := s.Decode(&c); err != nil {
			sess.logger.Warn().Err(err).Msg("malformed callee candidate")
			return
		}
		if err := sess.peer.AddICECandidate(c); err != nil {
			sess.logger.Warn().Err(err).Msg("failed to add callee candidate")
		}
	})
	if err != nil {
		sess.logger.Warn().Err(err).Msg("failed to watch callee candidates")
	} else {
		sess.scope.Add(unsub)
	}

	unsub, err = signaling.WatchCommands(ctx, i.store, id, signaling.CameraCommands, func(cmd signaling.Command) {
		i.onCameraCommand(ctx, cmd)
	})
	if err != nil {
		sess.logger.Warn().Err(err).Msg("failed to watch camera commands")
	} else {
		sess.scope.Add(unsub)
	}

	unsub, err = signaling.WatchAcks(ctx, i.store, id, func(ack signaling.Ack) {
		i.status("Camera acknowledged command: " + ack.Type)
	})
	if err != nil {
		sess.logger.Warn().Err(err).Msg("failed to watch acks")
	} else {
		sess.scope.Add(unsub)
	}
}

// onCameraCommand mirrors the camera's own photo actions locally.
func (i *Initiator) onCameraCommand(ctx context.Context, cmd signaling.Command) {
	switch cmd.Kind {
	case signaling.DownloadCaptured:
		if i.capturer == nil {
			return
		}
		loc, err := i.capturer.Download(ctx)
		switch {
		case errors.Is(err, capture.ErrNothingCaptured):
			i.status("Camera downloaded its image; nothing captured here")
		case err != nil:
			l := pkglog.Ctx(ctx)
			l.Warn().Err(err).Msg("mirrored download failed")
			i.status("Download failed")
		default:
			i.status("Downloaded viewer image to " + loc)
		}
	case signaling.NextShot:
		if i.capturer != nil {
			i.capturer.Reset()
		}
		i.status("Ready for next shot")
	case signaling.TakePhoto:
		i.status("Camera took a photo")
	}
}

func (i *Initiator) onPeerState(sess *session, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if i.setState(sess, StateConnected) {
			i.status("Connected")
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if i.teardown(sess) {
			i.status("Disconnected")
		}
	}
}

// setState updates the state if sess is still the live session.
func (i *Initiator) setState(sess *session, s State) bool {
	i.mu.Lock()
	if i.sess != sess || i.state == s {
		i.mu.Unlock()
		return false
	}
	i.state = s
	i.mu.Unlock()

	if i.opts.OnStateChange != nil {
		i.opts.OnStateChange(s, sess.sessionID())
	}
	return true
}

// teardown releases sess if it is still the live session.
func (i *Initiator) teardown(sess *session) bool {
	i.mu.Lock()
	if i.sess != sess {
		i.mu.Unlock()
		return false
	}
	i.sess = nil
	changed := i.state != StateIdle
	i.state = StateIdle
	i.mu.Unlock()

	sess.scope.Release()
	if changed && i.opts.OnStateChange != nil {
		i.opts.OnStateChange(StateIdle, "")
	}
	return true
}

// HangUp closes the live session, if any. The session record is left in
// the relay.
func (i *Initiator) HangUp() {
	i.mu.Lock()
	sess := i.sess
	i.mu.Unlock()
	if sess == nil {
		return
	}
	if i.teardown(sess) {
		i.status("Disconnected")
	}
}

// CaptureFrame captures the current frame and asks the camera to take its
// own photo through the lastCommand slot.
func (i *Initiator) CaptureFrame(ctx context.Context) (*capture.Still, error) {
	if i.capturer == nil {
		i.status("No video to capture")
		return nil, capture.ErrNoFrame
	}
	still, err := i.capturer.Capture(ctx)
	if errors.Is(err, capture.ErrNoFrame) {
		i.status("No video to capture")
		return nil, err
	}
	if err != nil {
		i.status("Capture failed")
		return nil, err
	}
	i.status("Photo captured")

	_, id := i.State()
	if id == "" {
		return still, nil
	}
	cmd := signaling.NewCommand(signaling.TakePhoto, i.self)
	if err := signaling.SendSlotCommand(ctx, i.store, id, cmd); err != nil {
		i.logger.Warn().Err(err).Str(pkglog.FieldSessionID, id).Msg("failed to notify camera")
		return still, nil
	}
	i.status("Triggered remote camera to capture (session " + id + ")")
	return still, nil
}

// SendCommand posts kind to the session's viewerCommands list.
func (i *Initiator) SendCommand(ctx context.Context, kind signaling.CommandKind) error {
	_, id := i.State()
	if id == "" {
		return signaling.ErrNoSession
	}
	if _, err := signaling.PostCommand(ctx, i.store, id, signaling.ViewerCommands, signaling.NewCommand(kind, i.self)); err != nil {
		return fmt.Errorf("post %s: %w", kind, err)
	}
	return nil
}

// Download saves the viewer's still and asks the camera to save its own.
func (i *Initiator) Download(ctx context.Context) (string, error) {
	if i.capturer == nil {
		return "", capture.ErrNothingCaptured
	}
	loc, err := i.capturer.Download(ctx)
	if err != nil {
		i.status("Download failed")
		return "", err
	}
	i.status("Downloaded viewer image")
	if err := i.SendCommand(ctx, signaling.DownloadCaptured); err != nil && !errors.Is(err, signaling.ErrNoSession) {
		i.logger.Warn().Err(err).Msg("failed to request camera download")
	}
	return loc, nil
}

// NextShot clears the viewer's still and asks the camera to do the same.
func (i *Initiator) NextShot(ctx context.Context) error {
	if i.capturer != nil {
		i.capturer.Reset()
	}
	i.status("Ready for next shot")
	if err := i.SendCommand(ctx, signaling.NextShot); err != nil && !errors.Is(err, signaling.ErrNoSession) {
		return err
	}
	return nil
}

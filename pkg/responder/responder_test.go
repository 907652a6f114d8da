package responder

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc/webrtctest"
)

const (
	camera = "phoneA"
	viewer = "viewer-abc1234"
)

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	opens  int
	closes int
}

func (m *fakeMedia) Open(context.Context) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	return []webrtc.TrackLocal{}, nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMedia) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type recordedActions struct {
	mu    sync.Mutex
	kinds []signaling.CommandKind
}

func (a *recordedActions) record(k signaling.CommandKind) error {
	a.mu.Lock()
	a.kinds = append(a.kinds, k)
	a.mu.Unlock()
	return nil
}

func (a *recordedActions) TakePhoto(context.Context) error { return a.record(signaling.TakePhoto) }
func (a *recordedActions) DownloadCaptured(context.Context) error {
	return a.record(signaling.DownloadCaptured)
}
func (a *recordedActions) NextShot(context.Context) error { return a.record(signaling.NextShot) }

func (a *recordedActions) calls() []signaling.CommandKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]signaling.CommandKind(nil), a.kinds...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	backend *relay.MemoryBackend
	camera  relay.Store
	viewer  relay.Store
	peers   *webrtctest.Factory
	media   *fakeMedia
	actions *recordedActions
	states  chan State
	r       *Responder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := relay.NewMemoryBackend()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		backend: backend,
		camera:  backend.Connect(),
		viewer:  backend.Connect(),
		peers:   webrtctest.NewFactory(),
		media:   &fakeMedia{},
		actions: &recordedActions{},
		states:  make(chan State, 64),
	}
	h.r = New(h.camera, h.peers, h.media, h.actions, Options{
		OnStateChange: func(_ string, s State) { h.states <- s },
	})
	t.Cleanup(func() {
		h.r.Stop()
		h.camera.Close()
		h.viewer.Close()
	})
	return h
}

func (h *harness) offer(target string) string {
	h.t.Helper()
	id, err := h.viewer.Append(h.ctx, signaling.SessionsPath, signaling.Session{
		From:    viewer,
		Target:  target,
		Offer:   &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"},
		Created: signaling.Now(),
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) nextPeer() *webrtctest.Peer {
	h.t.Helper()
	select {
	case p := <-h.peers.Created:
		return p
	case <-time.After(2 * time.Second):
		h.t.Fatal("no peer created")
		return nil
	}
}

func (h *harness) session(id string) signaling.Session {
	h.t.Helper()
	snap, err := h.viewer.Read(h.ctx, signaling.SessionPath(id))
	require.NoError(h.t, err)
	var s signaling.Session
	require.NoError(h.t, snap.Decode(&s))
	return s
}

func (h *harness) waitAnswered(id string) signaling.Session {
	h.t.Helper()
	var s signaling.Session
	require.Eventually(h.t, func() bool {
		s = h.session(id)
		return s.Answered
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("state %s not reached", want)
		}
	}
}

// verifyNoLeaks runs after the harness cleanup has stopped the responder
// and closed both clients.
func verifyNoLeaks(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func TestAnswersSessionWithBufferedCandidates(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t)

	// The session and its first candidates exist before the camera starts
	// watching, so candidates are seen before the offer is applied.
	id := h.offer(camera)
	for i := 1; i <= 2; i++ {
		_, err := h.viewer.Append(h.ctx, signaling.SessionChild(id, signaling.CallerCandidates), webrtctest.Candidate(i))
		require.NoError(t, err)
	}

	require.NoError(t, h.r.Start(h.ctx, camera))
	peer := h.nextPeer()
	assert.False(t, peer.Offerer())

	s := h.waitAnswered(id)
	require.NotNil(t, s.Answer)
	assert.Equal(t, webrtc.SDPTypeAnswer, s.Answer.Type)
	assert.Equal(t, signaling.StatusAnswered, s.Status)
	assert.Equal(t, "offer-sdp", peer.Remote().SDP)
	assert.Equal(t, 1, peer.RemoteSets())
	h.waitState(StateAnswered)

	got := peer.Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, webrtctest.Candidate(1).Candidate, got[0].Candidate)
	assert.Equal(t, webrtctest.Candidate(2).Candidate, got[1].Candidate)

	_, err := h.viewer.Append(h.ctx, signaling.SessionChild(id, signaling.CallerCandidates), webrtctest.Candidate(3))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(peer.Candidates()) == 3 }, time.Second, 5*time.Millisecond)

	peer.EmitCandidate(webrtctest.Candidate(9))
	require.Eventually(t, func() bool {
		snap, err := h.viewer.Read(h.ctx, signaling.SessionChild(id, signaling.CalleeCandidates))
		require.NoError(t, err)
		var cands map[string]webrtc.ICECandidateInit
		return snap.Decode(&cands) == nil && len(cands) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.r.Current() == id }, time.Second, 5*time.Millisecond)
}

func TestIgnoresForeignAndAnsweredSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))

	h.offer("someoneElse")
	_, err := h.viewer.Append(h.ctx, signaling.SessionsPath, signaling.Session{From: viewer, Target: camera, Created: signaling.Now()})
	require.NoError(t, err)
	_, err = h.viewer.Append(h.ctx, signaling.SessionsPath, signaling.Session{
		From:   viewer,
		Target: camera,
		Offer:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "old"},
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "old"},
	})
	require.NoError(t, err)

	id := h.offer(camera)
	h.waitAnswered(id)
	assert.Len(t, h.peers.Answerers(), 1)
}

func TestAnswersAtMostOncePerSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	require.NoError(t, h.r.Start(h.ctx, camera))
	assert.Error(t, h.r.Start(h.ctx, "other"))

	// Capture the record before it is answered so it can be replayed.
	id, err := h.viewer.Append(h.ctx, "staging", signaling.Session{
		From:   viewer,
		Target: camera,
		Offer:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"},
	})
	require.NoError(t, err)
	snap, err := h.viewer.Read(h.ctx, relay.Join("staging", id))
	require.NoError(t, err)
	require.NoError(t, h.viewer.Write(h.ctx, signaling.SessionPath(id), snap.Raw))

	h.waitAnswered(id)
	replay := relay.Snapshot{Path: signaling.SessionPath(id), Key: id, Raw: snap.Raw}
	h.r.observe(context.Background(), replay)
	h.r.observe(context.Background(), replay)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.peers.Answerers(), 1)
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.media.setErr(pkgwebrtc.ErrMediaUnavailable)
	require.NoError(t, h.r.Start(h.ctx, camera))

	id := h.offer(camera)
	require.Eventually(t, func() bool {
		return h.session(id).Status == signaling.StatusPermissionDenied
	}, 2*time.Second, 5*time.Millisecond)
	h.waitState(StateFailed)

	s := h.session(id)
	assert.Nil(t, s.Answer)
	assert.False(t, s.Answered)
	assert.Empty(t, h.peers.Answerers())
	assert.Empty(t, h.r.Sessions())

	// The watch stays up for the next attempt.
	h.media.setErr(nil)
	next := h.offer(camera)
	h.waitAnswered(next)
}

func TestCommandsDispatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	id := h.offer(camera)
	h.waitAnswered(id)

	_, err := signaling.PostCommand(h.ctx, h.viewer, id, signaling.ViewerCommands, signaling.NewCommand(signaling.NextShot, viewer))
	require.NoError(t, err)
	_, err = signaling.PostCommand(h.ctx, h.viewer, id, signaling.Commands, signaling.NewCommand(signaling.DownloadCaptured, viewer))
	require.NoError(t, err)
	_, err = h.viewer.Append(h.ctx, signaling.SessionChild(id, signaling.ViewerCommands), map[string]any{"type": "selfDestruct"})
	require.NoError(t, err)

	slot := signaling.NewCommand(signaling.TakePhoto, viewer)
	require.NoError(t, signaling.SendSlotCommand(h.ctx, h.viewer, id, slot))

	require.Eventually(t, func() bool { return len(h.actions.calls()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []signaling.CommandKind{signaling.NextShot, signaling.DownloadCaptured, signaling.TakePhoto}, h.actions.calls())

	require.Eventually(t, func() bool {
		snap, err := h.viewer.Read(h.ctx, signaling.SessionChild(id, signaling.LastCommand))
		require.NoError(t, err)
		return !snap.Exists()
	}, time.Second, 5*time.Millisecond)

	snap, err := h.viewer.Read(h.ctx, signaling.SessionChild(id, signaling.LastCommandAck))
	require.NoError(t, err)
	var ack signaling.Ack
	require.NoError(t, snap.Decode(&ack))
	assert.Equal(t, "takePhotoAck", ack.Type)
	assert.Equal(t, camera, ack.From)
	assert.Equal(t, slot.ID, ack.ID)
}

func TestNextShotDoesNotCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	id := h.offer(camera)
	h.waitAnswered(id)

	_, err := signaling.PostCommand(h.ctx, h.viewer, id, signaling.ViewerCommands, signaling.NewCommand(signaling.NextShot, viewer))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.actions.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []signaling.CommandKind{signaling.NextShot}, h.actions.calls())
}

func TestConnectionLifecycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	id := h.offer(camera)
	peer := h.nextPeer()
	h.waitAnswered(id)
	h.waitState(StateAnswered)

	peer.SetConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)
	assert.Equal(t, StateConnected, h.r.Sessions()[id])

	peer.SetConnectionState(webrtc.PeerConnectionStateFailed)
	h.waitState(StateDisconnected)
	assert.True(t, peer.Closed())
	assert.Empty(t, h.r.Sessions())
	assert.Empty(t, h.r.Current())

	// Listeners of the ended session are gone.
	_, err := signaling.PostCommand(h.ctx, h.viewer, id, signaling.ViewerCommands, signaling.NewCommand(signaling.TakePhoto, viewer))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.actions.calls())

	// The camera still answers new sessions.
	h.waitAnswered(h.offer(camera))
}

func TestConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))

	first := h.offer(camera)
	h.waitAnswered(first)
	second := h.offer(camera)
	h.waitAnswered(second)

	assert.Len(t, h.r.Sessions(), 2)
	require.Eventually(t, func() bool { return h.r.Current() == second }, time.Second, 5*time.Millisecond)
}

func TestNotify(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	assert.ErrorIs(t, h.r.Notify(h.ctx, signaling.DownloadCaptured), signaling.ErrNoSession)

	id := h.offer(camera)
	h.waitAnswered(id)
	require.Eventually(t, func() bool { return h.r.Current() == id }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.r.Notify(h.ctx, signaling.DownloadCaptured))

	got := make(chan signaling.Command, 1)
	unsub, err := signaling.WatchCommands(h.ctx, h.viewer, id, signaling.CameraCommands, func(c signaling.Command) { got <- c })
	require.NoError(t, err)
	defer unsub()

	select {
	case c := <-got:
		assert.Equal(t, signaling.DownloadCaptured, c.Kind)
		assert.Equal(t, camera, c.From)
	case <-time.After(time.Second):
		t.Fatal("camera command not posted")
	}
}

func TestStopReleasesSessions(t *testing.T) {
	verifyNoLeaks(t)
	h := newHarness(t)
	require.NoError(t, h.r.Start(h.ctx, camera))
	id := h.offer(camera)
	peer := h.nextPeer()
	h.waitAnswered(id)

	h.r.Stop()
	assert.True(t, peer.Closed())
	assert.Empty(t, h.r.Sessions())
	h.media.mu.Lock()
	assert.Equal(t, 1, h.media.closes)
	h.media.mu.Unlock()

	// Sessions arriving after Stop are not answered.
	h.offer(camera)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.peers.Answerers(), 1)

	// Restart picks up where it left off without re-answering.
	require.NoError(t, h.r.Start(h.ctx, camera))
	require.Eventually(t, func() bool { return len(h.peers.Answerers()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.peers.Answerers(), 2)
}

func TestPeerCreationFailure(t *testing.T) {
	h := newHarness(t)
	h.peers.AnswererErr = errors.New("no codecs")
	require.NoError(t, h.r.Start(h.ctx, camera))

	id := h.offer(camera)
	h.waitState(StateFailed)
	assert.False(t, h.session(id).Answered)
	assert.Empty(t, h.r.Sessions())
}

func TestCaptureActions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: dir})
	require.NoError(t, err)

	frame := capture.FrameFunc(func(context.Context) (image.Image, error) {
		return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
	})
	c := capture.New(frame, st, capture.Config{})
	a := CaptureActions(c)

	require.NoError(t, a.DownloadCaptured(ctx))

	require.NoError(t, a.TakePhoto(ctx))
	_, ok := c.Current()
	assert.True(t, ok)

	require.NoError(t, a.DownloadCaptured(ctx))
	matches, err := filepath.Glob(filepath.Join(dir, "camera-capture-*.jpg"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	require.NoError(t, a.NextShot(ctx))
	_, ok = c.Current()
	assert.False(t, ok)
}

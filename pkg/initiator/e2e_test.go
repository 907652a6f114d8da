package initiator

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/pairing"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/responder"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc/webrtctest"
)

type noTracks struct{}

func (noTracks) Open(context.Context) ([]webrtc.TrackLocal, error) { return nil, nil }
func (noTracks) Close() error                                      { return nil }

type cameraSide struct {
	store     relay.Store
	registrar *pairing.Registrar
	responder *responder.Responder
	capturer  *capture.Capturer
}

func newCameraSide(t *testing.T, backend *relay.MemoryBackend, peers pkgwebrtc.Factory) *cameraSide {
	t.Helper()
	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	frame := capture.FrameFunc(func(context.Context) (image.Image, error) {
		return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil
	})
	c := &cameraSide{store: backend.Connect(), capturer: capture.New(frame, st, capture.Config{})}
	c.responder = responder.New(c.store, peers, noTracks{}, responder.CaptureActions(c.capturer), responder.Options{})
	c.registrar = pairing.NewRegistrar(c.store, nil, pairing.Options{Listener: c.responder})
	t.Cleanup(func() {
		c.registrar.StopAll(context.Background())
		c.store.Close()
	})
	return c
}

func TestPairAndShoot(t *testing.T) {
	ctx := context.Background()
	backend := relay.NewMemoryBackend()
	peers := webrtctest.NewFactory()

	cam := newCameraSide(t, backend, peers)
	_, err := cam.registrar.Register(ctx, "phoneA")
	require.NoError(t, err)
	code, err := cam.registrar.GenerateCode(ctx)
	require.NoError(t, err)

	viewerStore := backend.Connect()
	defer viewerStore.Close()
	statuses := make(chan string, 256)
	v := New(viewerStore, peers, &fakeCapturer{}, self, Options{
		OnStatus: func(msg string) {
			select {
			case statuses <- msg:
			default:
			}
		},
	})
	defer v.HangUp()

	target, err := v.ConnectByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "phoneA", target)

	snap, err := viewerStore.Read(ctx, signaling.CodePath(code))
	require.NoError(t, err)
	assert.False(t, snap.Exists(), "code is single use")

	_, id := v.State()
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return len(peers.Offerers()) == 1 && peers.Offerers()[0].RemoteSets() == 1
	}, 2*time.Second, 5*time.Millisecond)
	offerer := peers.Offerers()[0]
	answerer := peers.Answerers()[0]
	assert.Equal(t, answerer.Local().SDP, offerer.Remote().SDP)
	assert.Equal(t, offerer.Local().SDP, answerer.Remote().SDP)

	// Both sides trickle.
	offerer.EmitCandidate(webrtctest.Candidate(1))
	answerer.EmitCandidate(webrtctest.Candidate(2))
	require.Eventually(t, func() bool {
		return len(answerer.Candidates()) == 1 && len(offerer.Candidates()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Two-sided photo.
	_, err = v.CaptureFrame(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := cam.capturer.Current()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for acked := false; !acked; {
		select {
		case msg := <-statuses:
			acked = msg == "Camera acknowledged command: takePhotoAck"
		case <-deadline:
			t.Fatal("viewer never saw the ack")
		}
	}

	require.Eventually(t, func() bool {
		snap, err := viewerStore.Read(ctx, signaling.SessionChild(id, signaling.LastCommand))
		return err == nil && !snap.Exists()
	}, 2*time.Second, 5*time.Millisecond, "slot is cleared after use")

	// Trash on the viewer resets the camera without another capture.
	require.NoError(t, v.NextShot(ctx))
	require.Eventually(t, func() bool {
		_, ok := cam.capturer.Current()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	answerer.SetConnectionState(webrtc.PeerConnectionStateClosed)
	require.Eventually(t, func() bool { return len(cam.responder.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPairOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	ctx := context.Background()
	backend := relay.NewMemoryBackend()
	pm := pkgwebrtc.NewPeerManager(pkgwebrtc.Options{IncludeLoopback: true, UDP4Only: true})

	cam := newCameraSide(t, backend, pm)
	_, err := cam.registrar.Register(ctx, "phoneA")
	require.NoError(t, err)
	code, err := cam.registrar.GenerateCode(ctx)
	require.NoError(t, err)

	viewerStore := backend.Connect()
	defer viewerStore.Close()
	states := make(chan State, 8)
	v := New(viewerStore, pm, nil, self, Options{
		OnStateChange: func(s State, _ string) { states <- s },
	})
	defer v.HangUp()

	_, err = v.ConnectByCode(ctx, code)
	require.NoError(t, err)

	deadline := time.After(15 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("peers did not connect")
		}
	}
}

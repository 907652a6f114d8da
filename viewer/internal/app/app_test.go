package app

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/console"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/initiator"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/localstate"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/pairing"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/responder"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc/webrtctest"
	"github.com/ambengineeringsystem-gif/selfie-2/viewer/internal/config"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type noTracks struct{}

func (noTracks) Open(context.Context) ([]webrtc.TrackLocal, error) { return nil, nil }
func (noTracks) Close() error                                      { return nil }

type fixture struct {
	viewer    *App
	out       *lockedBuffer
	dir       string
	registrar *pairing.Registrar
	camera    *capture.Capturer
}

func writeFrame(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil))
	require.NoError(t, f.Close())
}

func newFixture(t *testing.T, connect config.ConnectConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	backend := relay.NewMemoryBackend()
	peers := webrtctest.NewFactory()
	fx := &fixture{out: &lockedBuffer{}, dir: dir}

	// Camera side.
	camStore := backend.Connect()
	camStorage, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: filepath.Join(dir, "camera")})
	require.NoError(t, err)
	camFrame := filepath.Join(dir, "camera-frame.jpg")
	writeFrame(t, camFrame)
	fx.camera = capture.New(capture.FileSource{Path: camFrame}, camStorage, capture.Config{Prefix: "camera"})
	resp := responder.New(camStore, peers, noTracks{}, responder.CaptureActions(fx.camera), responder.Options{})
	fx.registrar = pairing.NewRegistrar(camStore, nil, pairing.Options{Listener: resp})
	_, err = fx.registrar.Register(ctx, "phoneA")
	require.NoError(t, err)
	code, err := fx.registrar.GenerateCode(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		fx.registrar.StopAll(context.Background())
		camStore.Close()
	})

	if connect.Code == "code" {
		connect.Code = code
	}
	if connect.Link == "link" {
		connect.Link = fx.registrar.Link(code)
	}

	frame := filepath.Join(dir, "viewer-frame.jpg")
	writeFrame(t, frame)
	cfg := &config.Config{
		Connect: connect,
		Capture: config.CaptureConfig{Source: capture.SourceConfig{File: frame}},
		Storage: storage.Config{Local: storage.LocalConfig{BasePath: filepath.Join(dir, "viewer")}},
		State:   config.StateConfig{Dir: filepath.Join(dir, "state")},
	}
	cfg.Capture.Prefix = "viewer"

	fx.viewer, err = New(ctx, cfg, console.New(fx.out), Deps{Store: backend.Connect(), Peers: peers})
	require.NoError(t, err)
	t.Cleanup(func() { fx.viewer.Close() })
	return fx
}

func (fx *fixture) waitOutput(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(fx.out.String(), want) }, 2*time.Second, 5*time.Millisecond, "missing %q in:\n%s", want, fx.out.String())
}

func (fx *fixture) handle(t *testing.T, name string, args ...string) {
	t.Helper()
	quit, err := fx.viewer.Handle(context.Background(), console.Command{Name: name, Args: args})
	require.NoError(t, err)
	require.False(t, quit)
}

func TestViewerIdentityIsCached(t *testing.T) {
	fx := newFixture(t, config.ConnectConfig{})
	assert.True(t, strings.HasPrefix(fx.viewer.Self(), "viewer-"))

	cache, err := localstate.Open(filepath.Join(fx.dir, "state"))
	require.NoError(t, err)
	id, err := cache.ViewerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fx.viewer.Self(), id)
}

func TestStartWithLink(t *testing.T) {
	fx := newFixture(t, config.ConnectConfig{Link: "link"})
	require.NoError(t, fx.viewer.Start(context.Background()))
	fx.waitOutput(t, "Calling camera phoneA")

	s, id := fx.viewer.Initiator().State()
	assert.Equal(t, initiator.StateConnecting, s)
	assert.NotEmpty(t, id)
}

func TestStartWithExpiredCode(t *testing.T) {
	fx := newFixture(t, config.ConnectConfig{Code: "K7M2Q"})
	require.NoError(t, fx.viewer.Start(context.Background()), "reported as status")
	fx.waitOutput(t, "Code not found or expired")
}

func TestConnectAndShoot(t *testing.T) {
	fx := newFixture(t, config.ConnectConfig{})

	fx.handle(t, "connect", fx.registrar.ActiveCode())
	fx.waitOutput(t, "Calling camera phoneA")
	fx.waitOutput(t, "Answer applied")

	fx.handle(t, "photo")
	fx.waitOutput(t, "Photo captured")
	fx.waitOutput(t, "Camera acknowledged command: takePhotoAck")
	_, ok := fx.camera.Current()
	assert.True(t, ok, "camera took its own photo")

	fx.handle(t, "save")
	fx.waitOutput(t, "Downloaded viewer image")
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(fx.dir, "camera"))
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond, "camera saved its still too")

	fx.handle(t, "next")
	require.Eventually(t, func() bool {
		_, ok := fx.camera.Current()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	fx.handle(t, "status")
	fx.waitOutput(t, "connection: connecting")

	fx.handle(t, "hangup")
	s, id := fx.viewer.Initiator().State()
	assert.Equal(t, initiator.StateIdle, s)
	assert.Empty(t, id)
}

func TestUsageAndQuit(t *testing.T) {
	fx := newFixture(t, config.ConnectConfig{})

	fx.handle(t, "connect")
	fx.waitOutput(t, "Usage: connect <code or link>")
	fx.handle(t, "bogus")
	fx.waitOutput(t, "Commands:")

	_, err := fx.viewer.Handle(context.Background(), console.Command{Name: "save"})
	assert.EqualError(t, err, "nothing captured yet")

	quit, err := fx.viewer.Handle(context.Background(), console.Command{Name: "quit"})
	require.NoError(t, err)
	assert.True(t, quit)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
)

func newCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "camera"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newCmd(t, "--config", t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, relay.DriverRemote, cfg.Relay.Driver)
	assert.Equal(t, "ws://localhost:8090/ws", cfg.Relay.Remote.URL)
	assert.Equal(t, 5*time.Minute, cfg.Pairing.CodeTTL)
	assert.Equal(t, 92, cfg.Capture.JPEGQuality)
	assert.Equal(t, "vp8", cfg.WebRTC.Ingest.VideoCodec)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Camera.Name)
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
camera:
  name: fromfile
relay:
  driver: redis
pairing:
  code_ttl: 90s
capture:
  source:
    url: http://cam.local/snap.jpg
webrtc:
  ice:
    servers:
      - urls: ["stun:stun.example.com:3478"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera.yaml"), []byte(yaml), 0o644))
	t.Setenv("SELFIE_RELAY_DRIVER", "memory")

	cfg, err := Load(newCmd(t, "--config", dir, "--name", "phoneA", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "phoneA", cfg.Camera.Name)
	assert.Equal(t, relay.DriverMemory, cfg.Relay.Driver)
	assert.Equal(t, 90*time.Second, cfg.Pairing.CodeTTL)
	assert.Equal(t, "http://cam.local/snap.jpg", cfg.Capture.Source.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.WebRTC.ICE.Servers, 1)
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	pkgconfig "github.com/ambengineeringsystem-gif/selfie-2/pkg/config"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

type Config struct {
	Connect ConnectConfig
	Relay   relay.Config
	WebRTC  WebRTCConfig
	Sink    pkgwebrtc.ForwardConfig
	Capture CaptureConfig
	Storage storage.Config
	State   StateConfig
	Log     LogConfig
}

// ConnectConfig names what to connect to at startup, if anything. Link
// wins over Code.
type ConnectConfig struct {
	Code string
	Link string
}

type WebRTCConfig struct {
	ICE             pkgwebrtc.ICEConfig `mapstructure:"ice"`
	IncludeLoopback bool                `mapstructure:"include_loopback"`
	UDP4Only        bool                `mapstructure:"udp4_only"`
}

// CaptureConfig points at frames of the received video, typically written
// by the player fed from the sink.
type CaptureConfig struct {
	Source         capture.SourceConfig `mapstructure:"source"`
	capture.Config `mapstructure:",squash"`
}

type StateConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

var flagKeys = map[string]string{
	"code":      "connect.code",
	"link":      "connect.link",
	"relay-url": "relay.remote.url",
	"driver":    "relay.driver",
	"log-level": "log.level",
	"pretty":    "log.pretty",
}

// RegisterFlags declares the flags Load binds.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "./config", "config directory or file")
	f.String("code", "", "pairing code to connect with")
	f.String("link", "", "pairing link to connect with")
	f.String("relay-url", "", "relay service websocket url")
	f.String("driver", "", "relay driver: ws, redis or memory")
	f.String("log-level", "", "log level")
	f.Bool("pretty", false, "human readable logs")
}

// Load reads the config file named by --config, the environment (SELFIE_*)
// and the command line flags, in increasing precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	v, err := pkgconfig.Load(path, "viewer", "selfie")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("relay.driver", relay.DriverRemote)
	v.SetDefault("relay.remote.url", "ws://localhost:8090/ws")
	v.SetDefault("relay.redis.address", "localhost:6379")
	v.SetDefault("relay.redis.prefix", "selfie")
	v.SetDefault("relay.redis.lease_ttl", "30s")
	v.SetDefault("webrtc.ice.url", "")
	v.SetDefault("sink.video_addr", "127.0.0.1:5014")
	v.SetDefault("sink.audio_addr", "127.0.0.1:5016")
	v.SetDefault("capture.jpeg_quality", 92)
	v.SetDefault("capture.max_dimension", 1920)
	v.SetDefault("capture.prefix", "viewer")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.base_path", "./captures")
	v.SetDefault("state.dir", "./state")
	v.SetDefault("log.level", "info")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Relay.Redis.LeaseTTL = pkgconfig.Duration(v, "relay.redis.lease_ttl", 30*time.Second)
	cfg.Capture.Source.Timeout = pkgconfig.Duration(v, "capture.source.timeout", 5*time.Second)

	return &cfg, nil
}

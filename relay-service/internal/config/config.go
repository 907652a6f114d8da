package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/ambengineeringsystem-gif/selfie-2/pkg/config"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Store     StoreConfig
	Redis     relay.RedisConfig
	WebRTC    WebRTCConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// StoreConfig selects the backing store. Driver is memory or redis.
type StoreConfig struct {
	Driver string
}

type WebRTCConfig struct {
	ICEServers []pkgwebrtc.ICEServerConfig `mapstructure:"ice_servers"`
	TurnKeyID  string                      `mapstructure:"turn_key_id"`
	TurnKey    string                      `mapstructure:"turn_key"`
	// ICERefresh is how often TURN credentials are regenerated.
	ICERefresh time.Duration `mapstructure:"ice_refresh"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// RelayConfig is the relay.Open configuration for the backing store.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{Driver: c.Store.Driver, Redis: c.Redis}
}

// ICEConfig is the ICE source list served at /api/ice-servers.
func (c *Config) ICEConfig() pkgwebrtc.ICEConfig {
	return pkgwebrtc.ICEConfig{
		Servers:   c.WebRTC.ICEServers,
		TurnKeyID: c.WebRTC.TurnKeyID,
		TurnKey:   c.WebRTC.TurnKey,
	}
}

// Load reads path (a directory holding relay.yaml or a file) and the
// environment.
func Load(path string) (*Config, error) {
	v, err := pkgconfig.Load(path, "relay", "")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("store.driver", relay.DriverMemory)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "selfie")
	v.SetDefault("redis.lease_ttl", "30s")
	v.SetDefault("redis.resync_interval", "30s")
	v.SetDefault("redis.stream_max_len", 1000)
	v.SetDefault("redis.session_ttl", "")
	v.SetDefault("webrtc.ice_refresh", "12h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.session_ttl", "SESSION_TTL")
	v.BindEnv("webrtc.turn_key_id", "TURN_KEY_ID")
	v.BindEnv("webrtc.turn_key", "TURN_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Redis.LeaseTTL = pkgconfig.Duration(v, "redis.lease_ttl", 30*time.Second)
	cfg.Redis.ResyncInterval = pkgconfig.Duration(v, "redis.resync_interval", 30*time.Second)
	cfg.WebRTC.ICERefresh = pkgconfig.Duration(v, "webrtc.ice_refresh", 12*time.Hour)
	cfg.Redis.Retention = retention(v)

	return &cfg, nil
}

// retention turns redis.session_ttl into an expiry rule for session records.
func retention(v *viper.Viper) []relay.RetentionRule {
	ttl := pkgconfig.Duration(v, "redis.session_ttl", 0)
	if ttl <= 0 {
		return nil
	}
	return []relay.RetentionRule{{Prefix: signaling.SessionsPath, TTL: ttl}}
}

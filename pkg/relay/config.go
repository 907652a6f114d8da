package relay

import (
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverRemote = "ws"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a relay backend.
type Config struct {
	Driver string       `mapstructure:"driver"`
	Remote RemoteConfig `mapstructure:"remote"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// Open connects a Store for cfg. An empty driver means the websocket relay
// service. The memory driver is private to the process and only useful
// for demos and tests.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverRemote:
		return DialRemote(ctx, cfg.Remote)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverMemory:
		return NewMemoryBackend().Connect(), nil
	default:
		return nil, fmt.Errorf("relay: unsupported driver %q", cfg.Driver)
	}
}

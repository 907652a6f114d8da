// Package pairing registers a camera identity, advertises its presence and
// issues the short-lived codes viewers use to find it.
package pairing

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
)

// NameCache remembers the camera name between runs.
type NameCache interface {
	CameraName(ctx context.Context) string
	SetCameraName(ctx context.Context, name string) error
}

// Listener watches for sessions addressed to a camera identity. The
// session responder implements it.
type Listener interface {
	Start(ctx context.Context, identity string) error
	Stop()
}

// Options configures a Registrar.
type Options struct {
	// CodeTTL is how long a pairing code stays valid. Defaults to
	// signaling.CodeTTL.
	CodeTTL time.Duration
	// LinkBase is the viewer URL a code is appended to as ?code=.
	LinkBase string
	// Agent names the client software in the device descriptor.
	Agent string
	// Listener is started when the first code is generated.
	Listener Listener
	// OnExpired runs after an unused code was deleted by its timer.
	OnExpired func(code string)
}

// Registrar owns one camera identity and its active pairing code.
type Registrar struct {
	store  relay.Store
	cache  NameCache
	opts   Options
	logger zerolog.Logger

	// ops serializes Register, GenerateCode and StopAll.
	ops sync.Mutex

	mu        sync.Mutex
	identity  string
	code      string
	timer     *time.Timer
	watching  bool
	expiryGen uint64
}

// NewRegistrar creates a Registrar. cache may be nil.
func NewRegistrar(store relay.Store, cache NameCache, opts Options) *Registrar {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = signaling.CodeTTL
	}
	if opts.Agent == "" {
		opts.Agent = "selfie-camera"
	}
	return &Registrar{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: pkglog.Component("pairing"),
	}
}

// Identity returns the registered camera name, or "".
func (r *Registrar) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// ActiveCode returns the live pairing code, or "".
func (r *Registrar) ActiveCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// Watching reports whether the session listener has been started.
func (r *Registrar) Watching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watching
}

// Link returns the auto-connect link for code.
func (r *Registrar) Link(code string) string {
	return signaling.CodeLink(r.opts.LinkBase, code)
}

// Register advertises the camera under name, falling back to the cached
// name when name is blank. The presence record is removed by the relay if
// this client disconnects.
func (r *Registrar) Register(ctx context.Context, name string) (string, error) {
	r.ops.Lock()
	defer r.ops.Unlock()
	return r.register(ctx, name)
}

func (r *Registrar) register(ctx context.Context, name string) (string, error) {
	if name == "" && r.cache != nil {
		name = r.cache.CameraName(ctx)
	}
	name, err := signaling.ValidateName(name)
	if err != nil {
		return "", err
	}
	logger := r.logger.With().Str(pkglog.FieldCamera, name).Logger()

	path := signaling.CameraPath(name)
	presence := signaling.CameraPresence{
		Online:   true,
		Standby:  true,
		LastSeen: signaling.Now(),
		Device:   r.device(),
	}
	if err := r.store.Update(ctx, path, map[string]any{
		"online":   presence.Online,
		"standby":  presence.Standby,
		"lastSeen": presence.LastSeen,
		"device":   presence.Device,
	}); err != nil {
		return "", fmt.Errorf("write presence: %w", err)
	}
	if err := r.store.OnDisconnect(ctx, path, relay.DisconnectRemove); err != nil {
		logger.Warn().Err(err).Msg("failed to install presence cleanup")
	}
	if r.cache != nil {
		if err := r.cache.SetCameraName(ctx, name); err != nil {
			logger.Warn().Err(err).Msg("failed to cache camera name")
		}
	}

	r.mu.Lock()
	r.identity = name
	r.mu.Unlock()

	logger.Info().Msg("camera registered")
	return name, nil
}

func (r *Registrar) device() signaling.Device {
	host, _ := os.Hostname()
	return signaling.Device{
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Hostname: host,
		Agent:    r.opts.Agent,
	}
}

// GenerateCode replaces the active pairing code with a new one and starts
// listening for sessions if needed. The code is deleted when CodeTTL
// elapses.
func (r *Registrar) GenerateCode(ctx context.Context) (string, error) {
	r.ops.Lock()
	defer r.ops.Unlock()

	identity := r.Identity()
	if identity == "" {
		var err error
		if identity, err = r.register(ctx, ""); err != nil {
			return "", err
		}
	}
	logger := r.logger.With().Str(pkglog.FieldCamera, identity).Logger()

	if prev := r.takeCode(); prev != "" {
		if err := r.dropCode(ctx, prev); err != nil {
			logger.Warn().Err(err).Str(pkglog.FieldCode, prev).Msg("failed to delete previous code")
		}
	}

	if err := r.startListening(ctx, identity); err != nil {
		return "", err
	}

	code, err := signaling.NewCode()
	if err != nil {
		return "", err
	}
	now := time.Now()
	record := signaling.PairingCode{
		Camera:  identity,
		Created: now.UnixMilli(),
		Expires: now.Add(r.opts.CodeTTL).UnixMilli(),
	}
	path := signaling.CodePath(code)
	if err := r.store.Write(ctx, path, record); err != nil {
		return "", fmt.Errorf("write pairing code: %w", err)
	}
	if err := r.store.OnDisconnect(ctx, path, relay.DisconnectRemove); err != nil {
		logger.Warn().Err(err).Str(pkglog.FieldCode, code).Msg("failed to install code cleanup")
	}

	r.mu.Lock()
	r.code = code
	r.expiryGen++
	gen := r.expiryGen
	r.timer = time.AfterFunc(r.opts.CodeTTL, func() { r.expire(code, gen) })
	r.mu.Unlock()

	logger.Info().Str(pkglog.FieldCode, code).Dur("ttl", r.opts.CodeTTL).Msg("pairing code issued")
	return code, nil
}

// startListening starts the session listener once and marks the camera
// as out of standby.
func (r *Registrar) startListening(ctx context.Context, identity string) error {
	r.mu.Lock()
	watching := r.watching
	r.mu.Unlock()

	if !watching && r.opts.Listener != nil {
		if err := r.opts.Listener.Start(ctx, identity); err != nil {
			return fmt.Errorf("start session listener: %w", err)
		}
	}
	r.mu.Lock()
	r.watching = true
	r.mu.Unlock()

	if err := r.store.Update(ctx, signaling.CameraPath(identity), map[string]any{
		"online":   true,
		"standby":  false,
		"lastSeen": signaling.Now(),
	}); err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldCamera, identity).Msg("failed to update presence")
	}
	return nil
}

// takeCode clears the active code and its timer and returns the code.
func (r *Registrar) takeCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	code := r.code
	r.code = ""
	r.expiryGen++
	return code
}

// dropCode deletes code and withdraws its disconnect cleanup, so the relay
// never removes a code path that has since been issued to someone else.
func (r *Registrar) dropCode(ctx context.Context, code string) error {
	path := signaling.CodePath(code)
	if err := r.store.OnDisconnect(ctx, path, relay.DisconnectCancel); err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldCode, code).Msg("failed to cancel code cleanup")
	}
	return r.store.Delete(ctx, path)
}

func (r *Registrar) expire(code string, gen uint64) {
	r.mu.Lock()
	if gen != r.expiryGen || r.code != code {
		r.mu.Unlock()
		return
	}
	r.code = ""
	r.timer = nil
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.dropCode(ctx, code); err != nil {
		r.logger.Warn().Err(err).Str(pkglog.FieldCode, code).Msg("failed to delete expired code")
	} else {
		r.logger.Info().Str(pkglog.FieldCode, code).Msg("pairing code expired")
	}
	if r.opts.OnExpired != nil {
		r.opts.OnExpired(code)
	}
}

// StopAll stops the session listener, deletes the active code and puts
// the camera back in standby. The identity stays registered.
func (r *Registrar) StopAll(ctx context.Context) error {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	watching := r.watching
	r.watching = false
	identity := r.identity
	r.mu.Unlock()

	if watching && r.opts.Listener != nil {
		r.opts.Listener.Stop()
	}

	var firstErr error
	if code := r.takeCode(); code != "" {
		if err := r.dropCode(ctx, code); err != nil {
			firstErr = fmt.Errorf("delete pairing code: %w", err)
		}
	}
	if identity != "" {
		if err := r.store.Update(ctx, signaling.CameraPath(identity), map[string]any{
			"standby":  true,
			"lastSeen": signaling.Now(),
		}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("update presence: %w", err)
		}
	}

	r.logger.Info().Str(pkglog.FieldCamera, identity).Msg("stopped")
	return firstErr
}

// Package app wires the camera: presence and pairing codes, the session
// responder, RTP ingest and the still capturer.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/ambengineeringsystem-gif/selfie-2/camera/internal/config"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/console"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/localstate"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/pairing"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/responder"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

// Deps overrides the network facing parts, for tests. Nil fields are built
// from the config.
type Deps struct {
	Store relay.Store
	Peers pkgwebrtc.Factory
	Media responder.MediaSource
}

// App is a running camera.
type App struct {
	cfg    *config.Config
	con    *console.Console
	logger zerolog.Logger

	store     relay.Store
	cache     *localstate.Cache
	capturer  *capture.Capturer
	responder *responder.Responder
	registrar *pairing.Registrar
	ingest    *pkgwebrtc.Ingest
}

// New builds the camera from cfg.
func New(ctx context.Context, cfg *config.Config, con *console.Console, deps Deps) (*App, error) {
	a := &App{cfg: cfg, con: con, logger: pkglog.Component("camera")}

	cache, err := localstate.Open(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	a.cache = cache

	st, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open capture storage: %w", err)
	}
	src, ok := capture.NewSource(cfg.Capture.Source)
	if !ok {
		a.logger.Warn().Msg("no capture source configured, photos will fail")
	}
	a.capturer = capture.New(src, st, cfg.Capture.Config)

	peers := deps.Peers
	if peers == nil {
		peers = pkgwebrtc.NewPeerManager(pkgwebrtc.Options{
			ICEServers:      cfg.WebRTC.ICE.Resolve(ctx),
			IncludeLoopback: cfg.WebRTC.IncludeLoopback,
			UDP4Only:        cfg.WebRTC.UDP4Only,
		})
	}
	media := deps.Media
	if media == nil {
		a.ingest = pkgwebrtc.NewIngest(cfg.WebRTC.Ingest)
		media = a.ingest
	}

	a.store = deps.Store
	if a.store == nil {
		if a.store, err = relay.Open(ctx, cfg.Relay); err != nil {
			return nil, fmt.Errorf("connect relay: %w", err)
		}
	}

	a.responder = responder.New(a.store, peers, media, &announcingActions{next: responder.CaptureActions(a.capturer), con: con}, responder.Options{
		OnStateChange: func(id string, s responder.State) {
			con.Status(fmt.Sprintf("Session %s: %s", id, s))
		},
	})
	a.registrar = pairing.NewRegistrar(a.store, cache, pairing.Options{
		CodeTTL:  cfg.Pairing.CodeTTL,
		LinkBase: cfg.Pairing.LinkBase,
		Listener: a.responder,
		OnExpired: func(code string) {
			con.Status(fmt.Sprintf("Pairing code %s expired, type 'code' for a new one", code))
		},
	})
	return a, nil
}

// Registrar exposes the pairing registrar.
func (a *App) Registrar() *pairing.Registrar { return a.registrar }

// Responder exposes the session responder.
func (a *App) Responder() *responder.Responder { return a.responder }

// Start registers the camera and publishes the first pairing code.
func (a *App) Start(ctx context.Context) error {
	name, err := a.registrar.Register(ctx, a.cfg.Camera.Name)
	if err != nil {
		return err
	}
	a.con.Status("Registered as " + name)
	return a.newCode(ctx)
}

func (a *App) newCode(ctx context.Context) error {
	code, err := a.registrar.GenerateCode(ctx)
	if err != nil {
		return err
	}
	link := a.registrar.Link(code)
	a.con.Printf("Pairing code: %s (valid for %s)", code, a.cfg.Pairing.CodeTTL)
	a.con.Printf("Link: %s", link)
	if qr, err := qrcode.New(link, qrcode.Medium); err == nil {
		a.con.Printf("%s", qr.ToSmallString(false))
	} else {
		a.logger.Warn().Err(err).Msg("failed to render QR code")
	}
	return nil
}

// Handle runs one console command.
func (a *App) Handle(ctx context.Context, cmd console.Command) (bool, error) {
	switch cmd.Name {
	case "code", "c":
		return false, a.newCode(ctx)

	case "photo", "p":
		if _, err := a.capturer.Capture(ctx); err != nil {
			if errors.Is(err, capture.ErrNoFrame) {
				a.con.Status("No video to capture")
				return false, nil
			}
			return false, err
		}
		a.con.Status("Local photo captured")

	case "save", "heart":
		key, err := a.capturer.Download(ctx)
		if err != nil {
			return false, err
		}
		a.con.Status("Downloaded local image to " + key)
		return false, a.notify(ctx, signaling.DownloadCaptured)

	case "next", "trash":
		a.capturer.Reset()
		a.con.Status("Ready for next shot")
		return false, a.notify(ctx, signaling.NextShot)

	case "stop":
		if err := a.registrar.StopAll(ctx); err != nil {
			return false, err
		}
		a.con.Status("Stopped")

	case "status":
		a.printStatus()

	case "quit", "exit":
		return true, nil

	default:
		a.con.Printf("Commands: code, photo, save, next, stop, status, quit")
	}
	return false, nil
}

func (a *App) notify(ctx context.Context, kind signaling.CommandKind) error {
	err := a.responder.Notify(ctx, kind)
	if errors.Is(err, signaling.ErrNoSession) {
		return nil
	}
	return err
}

func (a *App) printStatus() {
	code := a.registrar.ActiveCode()
	if code == "" {
		code = "none"
	}
	a.con.Printf("Camera: %s  code: %s  listening: %t", a.registrar.Identity(), code, a.registrar.Watching())
	for id, s := range a.responder.Sessions() {
		a.con.Printf("  session %s: %s", id, s)
	}
	if a.ingest != nil {
		a.con.Printf("  ingested packets: %d", a.ingest.Packets())
	}
}

// ReportIngest logs ingest throughput until ctx is done.
func (a *App) ReportIngest(ctx context.Context, every time.Duration) error {
	if a.ingest == nil || every <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := a.ingest.Packets()
			a.logger.Debug().Uint64("packets", n-last).Dur("window", every).Msg("rtp ingest")
			last = n
		}
	}
}

// Close deletes the pairing code, ends every session and disconnects from
// the relay, which removes the presence record.
func (a *App) Close(ctx context.Context) error {
	err := a.registrar.StopAll(ctx)
	return errors.Join(err, a.store.Close())
}

// announcingActions reports viewer-triggered actions on the console.
type announcingActions struct {
	next responder.Actions
	con  *console.Console
}

func (a *announcingActions) TakePhoto(ctx context.Context) error {
	err := a.next.TakePhoto(ctx)
	if errors.Is(err, capture.ErrNoFrame) {
		a.con.Status("Viewer asked for a photo, but there is no video to capture")
		return err
	}
	if err == nil {
		a.con.Status("Photo taken for viewer")
	}
	return err
}

func (a *announcingActions) DownloadCaptured(ctx context.Context) error {
	err := a.next.DownloadCaptured(ctx)
	if err == nil {
		a.con.Status("Viewer kept the shot, saved locally")
	}
	return err
}

func (a *announcingActions) NextShot(ctx context.Context) error {
	err := a.next.NextShot(ctx)
	if err == nil {
		a.con.Status("Viewer asked for the next shot")
	}
	return err
}

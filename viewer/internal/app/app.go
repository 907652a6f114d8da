// Package app wires the viewer: pairing by code or link, the session
// initiator, the RTP sink and the viewer's own stills.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/capture"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/console"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/initiator"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/localstate"
	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/storage"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
	"github.com/ambengineeringsystem-gif/selfie-2/viewer/internal/config"
)

// Deps overrides the network facing parts, for tests. Nil fields are built
// from the config.
type Deps struct {
	Store relay.Store
	Peers pkgwebrtc.Factory
}

// App is a running viewer.
type App struct {
	cfg    *config.Config
	con    *console.Console
	logger zerolog.Logger
	self   string

	store     relay.Store
	forwarder *pkgwebrtc.RTPForwarder
	initiator *initiator.Initiator
}

// New builds the viewer from cfg.
func New(ctx context.Context, cfg *config.Config, con *console.Console, deps Deps) (*App, error) {
	a := &App{cfg: cfg, con: con}

	cache, err := localstate.Open(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	if a.self, err = cache.ViewerID(ctx); err != nil {
		return nil, fmt.Errorf("viewer id: %w", err)
	}
	a.logger = pkglog.Component("viewer").With().Str(pkglog.FieldViewer, a.self).Logger()

	var capturer initiator.Capturer
	if src, ok := capture.NewSource(cfg.Capture.Source); ok {
		st, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open capture storage: %w", err)
		}
		capturer = capture.New(src, st, cfg.Capture.Config)
	} else {
		a.logger.Info().Msg("no capture source configured, viewer stills disabled")
	}

	if a.forwarder, err = pkgwebrtc.NewRTPForwarder(cfg.Sink); err != nil {
		return nil, fmt.Errorf("open media sink: %w", err)
	}

	peers := deps.Peers
	if peers == nil {
		peers = pkgwebrtc.NewPeerManager(pkgwebrtc.Options{
			ICEServers:      cfg.WebRTC.ICE.Resolve(ctx),
			IncludeLoopback: cfg.WebRTC.IncludeLoopback,
			UDP4Only:        cfg.WebRTC.UDP4Only,
		})
	}

	a.store = deps.Store
	if a.store == nil {
		if a.store, err = relay.Open(ctx, cfg.Relay); err != nil {
			a.forwarder.Close()
			return nil, fmt.Errorf("connect relay: %w", err)
		}
	}

	a.initiator = initiator.New(a.store, peers, capturer, a.self, initiator.Options{
		OnStatus: con.Status,
		OnStateChange: func(s initiator.State, id string) {
			if id == "" {
				con.Status("Connection: " + s.String())
				return
			}
			con.Status(fmt.Sprintf("Connection: %s (session %s)", s, id))
		},
		OnTrack: a.forwarder.HandleTrack,
	})
	return a, nil
}

// Self returns the viewer identity.
func (a *App) Self() string { return a.self }

// Initiator exposes the session initiator.
func (a *App) Initiator() *initiator.Initiator { return a.initiator }

// Start connects using the configured link or code, if any.
func (a *App) Start(ctx context.Context) error {
	a.con.Status("Viewer " + a.self)
	switch {
	case a.cfg.Connect.Link != "":
		return a.connected(a.initiator.AutoConnect(ctx, a.cfg.Connect.Link))
	case a.cfg.Connect.Code != "":
		return a.connected(a.initiator.ConnectByCode(ctx, a.cfg.Connect.Code))
	}
	return nil
}

func (a *App) connected(camera string, err error) error {
	if err != nil {
		return quiet(err)
	}
	a.con.Status("Calling camera " + camera)
	return nil
}

// Handle runs one console command.
func (a *App) Handle(ctx context.Context, cmd console.Command) (bool, error) {
	switch cmd.Name {
	case "connect":
		if len(cmd.Args) != 1 {
			a.con.Printf("Usage: connect <code or link>")
			return false, nil
		}
		return false, a.connected(a.initiator.AutoConnect(ctx, cmd.Args[0]))

	case "camera":
		if len(cmd.Args) != 1 {
			a.con.Printf("Usage: camera <name>")
			return false, nil
		}
		if _, err := a.initiator.ConnectCamera(ctx, cmd.Args[0]); err != nil {
			return false, err
		}
		a.con.Status("Calling camera " + cmd.Args[0])

	case "photo", "p":
		_, err := a.initiator.CaptureFrame(ctx)
		return false, quiet(err)

	case "save", "heart":
		_, err := a.initiator.Download(ctx)
		return false, quiet(err)

	case "next", "trash":
		return false, a.initiator.NextShot(ctx)

	case "hangup":
		a.initiator.HangUp()

	case "status":
		s, id := a.initiator.State()
		a.con.Printf("Viewer: %s  connection: %s  session: %s  forwarded packets: %d", a.self, s, id, a.forwarder.Packets())

	case "quit", "exit":
		return true, nil

	default:
		a.con.Printf("Commands: connect <code|link>, camera <name>, photo, save, next, hangup, status, quit")
	}
	return false, nil
}

// quiet drops errors the initiator has already reported as status lines.
func quiet(err error) error {
	switch {
	case errors.Is(err, signaling.ErrValidation),
		errors.Is(err, signaling.ErrNotFound),
		errors.Is(err, capture.ErrNoFrame):
		return nil
	case errors.Is(err, capture.ErrNothingCaptured):
		return errors.New("nothing captured yet")
	}
	return err
}

// ReportForwarding logs sink throughput until ctx is done.
func (a *App) ReportForwarding(ctx context.Context, every time.Duration) error {
	if every <= 0 {
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
			n := a.forwarder.Packets()
			a.logger.Debug().Uint64("packets", n-last).Dur("window", every).Msg("rtp forward")
			last = n
		}
	}
}

// Close hangs up and disconnects from the relay.
func (a *App) Close() error {
	a.initiator.HangUp()
	return errors.Join(a.forwarder.Close(), a.store.Close())
}

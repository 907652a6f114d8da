// Package webrtc builds the pion peer connections used by both roles and
// moves RTP in and out of them.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// ErrMediaUnavailable is returned when local media cannot be opened.
var ErrMediaUnavailable = errors.New("local media unavailable")

// Handlers receives peer connection events. Any field may be nil.
type Handlers struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(webrtc.PeerConnectionState)
	OnTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Peer is the negotiation surface the roles rely on.
type Peer interface {
	// CreateOffer creates an offer and applies it locally.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it locally.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Factory creates peers for each side of a session.
type Factory interface {
	// NewOfferer creates a peer that receives audio and video.
	NewOfferer(h Handlers) (Peer, error)
	// NewAnswerer creates a peer that sends tracks.
	NewAnswerer(tracks []webrtc.TrackLocal, h Handlers) (Peer, error)
}

// Options configures a PeerManager.
type Options struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback offers loopback host candidates, for same-host use.
	IncludeLoopback bool
	// UDP4Only restricts gathering to IPv4 UDP.
	UDP4Only bool
	Logger   *zerolog.Logger
}

// PeerManager creates pion peer connections with a shared codec and
// interceptor setup.
type PeerManager struct {
	opts   Options
	logger zerolog.Logger
}

var _ Factory = (*PeerManager)(nil)

// NewPeerManager creates a new PeerManager.
func NewPeerManager(opts Options) *PeerManager {
	logger := pkglog.Component("webrtc")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &PeerManager{opts: opts, logger: logger}
}

func (pm *PeerManager) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	videoCodecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 96},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, PayloadType: 98},
		{RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		}, PayloadType: 102},
	}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	// Interceptor registry with periodic PLI so the viewer recovers from
	// lost keyframes.
	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: pkglog.NewPionFactory(pm.logger)}
	if pm.opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if pm.opts.UDP4Only {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

func (pm *PeerManager) newPeer(role string, h Handlers) (*PionPeer, error) {
	api, err := pm.newAPI()
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: pm.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &PionPeer{pc: pc, logger: pm.logger.With().Str("role", role).Logger()}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info().Str("codec", track.Codec().MimeType).Str("kind", track.Kind().String()).Msg("track received")
		if h.OnTrack != nil {
			h.OnTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info().Str(pkglog.FieldState, state.String()).Msg("connection state")
		if h.OnStateChange != nil {
			h.OnStateChange(state)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug().Str(pkglog.FieldState, state.String()).Msg("ICE connection state")
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})

	return p, nil
}

// NewOfferer implements Factory.
func (pm *PeerManager) NewOfferer(h Handlers) (Peer, error) {
	p, err := pm.newPeer("offerer", h)
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			p.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return p, nil
}

// NewAnswerer implements Factory.
func (pm *PeerManager) NewAnswerer(tracks []webrtc.TrackLocal, h Handlers) (Peer, error) {
	p, err := pm.newPeer("answerer", h)
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		// Drain RTCP so interceptors keep working.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return p, nil
}

// PionPeer implements Peer on a pion PeerConnection.
type PionPeer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Peer = (*PionPeer)(nil)

// PeerConnection exposes the underlying connection.
func (p *PionPeer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *PionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *PionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *PionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *PionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *PionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// Close closes the connection once.
func (p *PionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

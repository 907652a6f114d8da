// Package webrtctest provides an in-memory webrtc.Factory for testing the
// signaling roles without real peer connections.
package webrtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

// Factory records every peer it creates.
type Factory struct {
	mu        sync.Mutex
	offerers  []*Peer
	answerers []*Peer
	seq       int

	// AnswererErr, when set, is returned by NewAnswerer.
	AnswererErr error
	// Created receives each new peer when non-nil. Sends do not block.
	Created chan *Peer
}

var _ pkgwebrtc.Factory = (*Factory)(nil)

// NewFactory returns a factory that announces peers on Created.
func NewFactory() *Factory {
	return &Factory{Created: make(chan *Peer, 16)}
}

func (f *Factory) add(p *Peer) {
	f.mu.Lock()
	f.seq++
	p.n = f.seq
	if p.offerer {
		f.offerers = append(f.offerers, p)
	} else {
		f.answerers = append(f.answerers, p)
	}
	f.mu.Unlock()

	if f.Created != nil {
		select {
		case f.Created <- p:
		default:
		}
	}
}

func (f *Factory) NewOfferer(h pkgwebrtc.Handlers) (pkgwebrtc.Peer, error) {
	p := &Peer{offerer: true, h: h, state: webrtc.SignalingStateStable}
	f.add(p)
	return p, nil
}

func (f *Factory) NewAnswerer(tracks []webrtc.TrackLocal, h pkgwebrtc.Handlers) (pkgwebrtc.Peer, error) {
	if f.AnswererErr != nil {
		return nil, f.AnswererErr
	}
	p := &Peer{h: h, tracks: tracks, state: webrtc.SignalingStateStable}
	f.add(p)
	return p, nil
}

// Offerers returns the offering peers created so far.
func (f *Factory) Offerers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.offerers...)
}

// Answerers returns the answering peers created so far.
func (f *Factory) Answerers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.answerers...)
}

// Peer follows the offer/answer state rules of a real connection closely
// enough to catch double application and early candidates.
type Peer struct {
	offerer bool
	n       int
	h       pkgwebrtc.Handlers
	tracks  []webrtc.TrackLocal

	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	candidates []webrtc.ICECandidateInit
	closed     bool
}

var _ pkgwebrtc.Peer = (*Peer)(nil)

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("peer closed")
	}
	if p.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in state %s", p.state)
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("fake-offer-%d", p.n)}
	p.local = &desc
	p.state = webrtc.SignalingStateHaveLocalOffer
	return desc, nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("peer closed")
	}
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s", p.state)
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("fake-answer-%d", p.n)}
	p.local = &desc
	p.state = webrtc.SignalingStateStable
	return desc, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable && !p.offerer:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in state %s", desc.Type, p.state)
	}
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SignalingStateClosed
	}
	return p.state
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Offerer reports the peer's role.
func (p *Peer) Offerer() bool { return p.offerer }

// Tracks returns the local tracks the peer was created with.
func (p *Peer) Tracks() []webrtc.TrackLocal { return p.tracks }

// Local returns the local description, if any.
func (p *Peer) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote returns the remote description, if any.
func (p *Peer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// RemoteSets returns how many times a remote description was applied.
func (p *Peer) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

// Candidates returns the remote candidates applied so far.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// EmitCandidate reports a local candidate through the peer's handler.
func (p *Peer) EmitCandidate(c webrtc.ICECandidateInit) {
	if p.h.OnICECandidate != nil {
		p.h.OnICECandidate(c)
	}
}

// SetConnectionState reports a connection state change through the
// peer's handler.
func (p *Peer) SetConnectionState(s webrtc.PeerConnectionState) {
	if p.h.OnStateChange != nil {
		p.h.OnStateChange(s)
	}
}

// Candidate returns a host candidate line numbered n.
func Candidate(n int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 5000%d typ host", n, n%250+1, n%10),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

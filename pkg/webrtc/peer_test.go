package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	require.NoError(t, err)
	return track
}

func TestOfferAnswerNegotiation(t *testing.T) {
	pm := NewPeerManager(Options{})
	ctx := context.Background()

	offerer, err := pm.NewOfferer(Handlers{})
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := pm.NewAnswerer([]webrtc.TrackLocal{newTestTrack(t)}, Handlers{})
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, offerer.SignalingState())
	assert.Equal(t, 2, strings.Count(offer.SDP, "a=recvonly"))

	assert.False(t, answerer.HasRemoteDescription())
	require.NoError(t, answerer.SetRemoteDescription(offer))
	assert.True(t, answerer.HasRemoteDescription())

	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "a=sendonly")

	require.NoError(t, offerer.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, offerer.SignalingState())

	// A second answer is rejected by the connection itself.
	assert.Error(t, offerer.SetRemoteDescription(answer))
}

func TestPeersConnectOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("needs local networking")
	}

	pm := NewPeerManager(Options{IncludeLoopback: true, UDP4Only: true})
	ctx := context.Background()

	type candidateSink struct {
		mu   sync.Mutex
		peer Peer
		buf  []webrtc.ICECandidateInit
	}
	deliver := func(s *candidateSink, c webrtc.ICECandidateInit) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.peer == nil || !s.peer.HasRemoteDescription() {
			s.buf = append(s.buf, c)
			return
		}
		s.peer.AddICECandidate(c)
	}
	flush := func(s *candidateSink, p Peer) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.peer = p
		for _, c := range s.buf {
			require.NoError(t, p.AddICECandidate(c))
		}
		s.buf = nil
	}

	toAnswerer, toOfferer := &candidateSink{}, &candidateSink{}
	connected := make(chan struct{}, 2)
	gotTrack := make(chan *webrtc.TrackRemote, 1)
	onState := func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			connected <- struct{}{}
		}
	}

	offerer, err := pm.NewOfferer(Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { deliver(toAnswerer, c) },
		OnStateChange:  onState,
		OnTrack: func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			select {
			case gotTrack <- tr:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer offerer.Close()

	track := newTestTrack(t)
	answerer, err := pm.NewAnswerer([]webrtc.TrackLocal{track}, Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { deliver(toOfferer, c) },
		OnStateChange:  onState,
	})
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.SetRemoteDescription(offer))
	flush(toAnswerer, answerer)
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(answer))
	flush(toOfferer, offerer)

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(15 * time.Second):
			t.Fatal("peers did not connect")
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seq := uint16(0)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				track.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, SSRC: 1},
					Payload: []byte{0x10, 0x00, 0x00},
				})
			}
		}
	}()

	select {
	case tr := <-gotTrack:
		assert.Equal(t, webrtc.RTPCodecTypeVideo, tr.Kind())
	case <-time.After(10 * time.Second):
		t.Fatal("no remote track")
	}
}

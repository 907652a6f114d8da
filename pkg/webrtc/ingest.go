package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// IngestConfig configures the camera's RTP inputs, typically fed by
// ffmpeg or gstreamer reading the local camera and microphone.
type IngestConfig struct {
	VideoAddr  string `mapstructure:"video_addr"`
	AudioAddr  string `mapstructure:"audio_addr"`
	VideoCodec string `mapstructure:"video_codec"` // vp8, vp9 or h264
	StreamID   string `mapstructure:"stream_id"`
}

// Ingest turns UDP RTP streams into local tracks. It binds on first Open
// and hands the same tracks to every later session until Close.
type Ingest struct {
	cfg    IngestConfig
	logger zerolog.Logger

	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	conns  []net.PacketConn
	wg     sync.WaitGroup

	packets atomic.Uint64
}

// NewIngest creates an unopened Ingest.
func NewIngest(cfg IngestConfig) *Ingest {
	if cfg.StreamID == "" {
		cfg.StreamID = "camera"
	}
	return &Ingest{cfg: cfg, logger: pkglog.Component("webrtc.ingest")}
}

func videoMime(codec string) (string, error) {
	switch strings.ToLower(codec) {
	case "", "vp8":
		return webrtc.MimeTypeVP8, nil
	case "vp9":
		return webrtc.MimeTypeVP9, nil
	case "h264":
		return webrtc.MimeTypeH264, nil
	default:
		return "", fmt.Errorf("unsupported video codec %q", codec)
	}
}

// Open binds the configured inputs and returns their tracks. A bind
// failure is reported as ErrMediaUnavailable.
func (in *Ingest) Open(ctx context.Context) ([]webrtc.TrackLocal, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.tracks != nil {
		return in.tracks, nil
	}
	if in.cfg.VideoAddr == "" && in.cfg.AudioAddr == "" {
		return nil, fmt.Errorf("%w: no media inputs configured", ErrMediaUnavailable)
	}

	type input struct {
		addr string
		mime string
		id   string
	}
	var inputs []input
	if in.cfg.VideoAddr != "" {
		mime, err := videoMime(in.cfg.VideoCodec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		inputs = append(inputs, input{addr: in.cfg.VideoAddr, mime: mime, id: "video"})
	}
	if in.cfg.AudioAddr != "" {
		inputs = append(inputs, input{addr: in.cfg.AudioAddr, mime: webrtc.MimeTypeOpus, id: "audio"})
	}

	var (
		tracks []webrtc.TrackLocal
		conns  []net.PacketConn
	)
	cleanup := func() {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, inp := range inputs {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", inp.addr)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: listen %s: %v", ErrMediaUnavailable, inp.addr, err)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: inp.mime}, inp.id, in.cfg.StreamID)
		if err != nil {
			conn.Close()
			cleanup()
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		conns = append(conns, conn)
		tracks = append(tracks, track)
	}

	for i, conn := range conns {
		in.wg.Add(1)
		go in.readLoop(conn, tracks[i].(*webrtc.TrackLocalStaticRTP))
		in.logger.Info().Str("addr", conn.LocalAddr().String()).Str("track", tracks[i].ID()).Msg("RTP ingest listening")
	}

	in.conns = conns
	in.tracks = tracks
	return tracks, nil
}

// Addrs returns the bound input addresses, video first.
func (in *Ingest) Addrs() []net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	addrs := make([]net.Addr, len(in.conns))
	for i, c := range in.conns {
		addrs[i] = c.LocalAddr()
	}
	return addrs
}

// Packets returns the number of RTP packets received.
func (in *Ingest) Packets() uint64 { return in.packets.Load() }

func (in *Ingest) readLoop(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) {
	defer in.wg.Done()
	buf := make([]byte, 1600)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				in.logger.Warn().Err(err).Str("track", track.ID()).Msg("RTP ingest read failed")
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			in.logger.Debug().Err(err).Msg("dropping malformed RTP packet")
			continue
		}
		in.packets.Add(1)

		// ErrClosedPipe means no peer is bound to the track yet.
		if err := track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			in.logger.Debug().Err(err).Msg("RTP write failed")
		}
	}
}

// Close releases the inputs. Tracks handed out stop receiving packets; a
// later Open binds again.
func (in *Ingest) Close() error {
	in.mu.Lock()
	conns := in.conns
	in.conns = nil
	in.tracks = nil
	in.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	in.wg.Wait()
	return nil
}

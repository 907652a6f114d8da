package webrtc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// ForwardConfig names the UDP targets for received media, for example a
// local ffplay or gstreamer pipeline that displays the stream.
type ForwardConfig struct {
	VideoAddr string `mapstructure:"video_addr"`
	AudioAddr string `mapstructure:"audio_addr"`
}

// RTPForwarder writes the packets of received tracks to UDP targets.
type RTPForwarder struct {
	logger zerolog.Logger

	mu    sync.Mutex
	video net.Conn
	audio net.Conn

	packets atomic.Uint64
}

// NewRTPForwarder dials the configured targets. Empty targets are skipped.
func NewRTPForwarder(cfg ForwardConfig) (*RTPForwarder, error) {
	f := &RTPForwarder{logger: pkglog.Component("webrtc.forward")}
	var err error
	if cfg.VideoAddr != "" {
		if f.video, err = net.Dial("udp", cfg.VideoAddr); err != nil {
			return nil, fmt.Errorf("dial video sink: %w", err)
		}
	}
	if cfg.AudioAddr != "" {
		if f.audio, err = net.Dial("udp", cfg.AudioAddr); err != nil {
			f.Close()
			return nil, fmt.Errorf("dial audio sink: %w", err)
		}
	}
	return f, nil
}

// Packets returns the number of forwarded packets.
func (f *RTPForwarder) Packets() uint64 { return f.packets.Load() }

func (f *RTPForwarder) sink(kind webrtc.RTPCodecType) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == webrtc.RTPCodecTypeVideo {
		return f.video
	}
	return f.audio
}

// HandleTrack forwards track until it ends. It is suitable as
// Handlers.OnTrack.
func (f *RTPForwarder) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	conn := f.sink(track.Kind())
	if conn == nil {
		f.logger.Debug().Str("kind", track.Kind().String()).Msg("no sink for track, discarding")
	}

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					f.logger.Debug().Err(err).Msg("track read ended")
				}
				return
			}
			if conn == nil {
				continue
			}
			if err := f.write(conn, pkt); err != nil {
				f.logger.Debug().Err(err).Msg("forward failed")
			}
		}
	}()
}

func (f *RTPForwarder) write(conn net.Conn, pkt *rtp.Packet) error {
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		return err
	}
	f.packets.Add(1)
	return nil
}

// Close closes the sinks. Forwarding goroutines end with their tracks.
func (f *RTPForwarder) Close() error {
	f.mu.Lock()
	video, audio := f.video, f.audio
	f.video, f.audio = nil, nil
	f.mu.Unlock()

	if video != nil {
		video.Close()
	}
	if audio != nil {
		audio.Close()
	}
	return nil
}

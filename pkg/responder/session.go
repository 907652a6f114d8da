package responder

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/signaling"
	pkgwebrtc "github.com/ambengineeringsystem-gif/selfie-2/pkg/webrtc"
)

// State is the progress of one observed session.
type State int

const (
	StateIdle State = iota
	StateOffered
	StateAnswering
	StateAnswered
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffered:
		return "offered"
	case StateAnswering:
		return "answering"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// sessionContext is everything the responder holds for one session. The
// scope releases its subscriptions and its peer together.
type sessionContext struct {
	id     string
	from   string
	scope  signaling.Scope
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	peer      pkgwebrtc.Peer
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	ended     bool
}

func newSessionContext(id, from string, logger zerolog.Logger) *sessionContext {
	return &sessionContext{id: id, from: from, logger: logger}
}

// setState reports whether the state changed. Terminal states stick.
func (sc *sessionContext) setState(s State) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state == s || sc.state == StateDisconnected || sc.state == StateFailed {
		return false
	}
	sc.state = s
	return true
}

func (sc *sessionContext) getState() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

func (sc *sessionContext) setPeer(p pkgwebrtc.Peer) {
	sc.mu.Lock()
	sc.peer = p
	sc.mu.Unlock()
}

// addCandidate applies c, or holds it until the offer has been applied.
func (sc *sessionContext) addCandidate(c webrtc.ICECandidateInit) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.remoteSet || sc.peer == nil {
		sc.pending = append(sc.pending, c)
		return
	}
	sc.apply(c)
}

// remoteApplied flushes the buffered candidates, in arrival order.
func (sc *sessionContext) remoteApplied() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.remoteSet = true
	pending := sc.pending
	sc.pending = nil
	for _, c := range pending {
		sc.apply(c)
	}
	if len(pending) > 0 {
		sc.logger.Debug().Int("count", len(pending)).Msg("flushed buffered candidates")
	}
}

// apply must be called with mu held.
func (sc *sessionContext) apply(c webrtc.ICECandidateInit) {
	if err := sc.peer.AddICECandidate(c); err != nil {
		sc.logger.Warn().Err(err).Msg("failed to add caller candidate")
	}
}

// end marks the context finished. It reports false if it already was.
func (sc *sessionContext) end() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.ended {
		return false
	}
	sc.ended = true
	return true
}

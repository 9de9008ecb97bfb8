package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ICEGatherTimeout bounds candidate gathering. Candidates are not trickled
// after negotiation, so whatever was gathered by then is sent.
const ICEGatherTimeout = 5 * time.Second

// iceGatherer collects local candidates. It must be attached before
// SetLocalDescription so no early candidate is missed.
type iceGatherer struct {
	pc      PeerConnection
	timeout time.Duration

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	done       chan struct{}
	doneOnce   sync.Once
}

func newICEGatherer(pc PeerConnection, timeout time.Duration) *iceGatherer {
	g := &iceGatherer{
		pc:      pc,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			g.finish()
			return
		}
		g.mu.Lock()
		g.candidates = append(g.candidates, *c)
		g.mu.Unlock()
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			g.finish()
		}
	})
	return g
}

func (g *iceGatherer) finish() {
	g.doneOnce.Do(func() { close(g.done) })
}

// Wait returns the candidates gathered once gathering completes or the
// timeout elapses. Only ctx cancellation is an error.
func (g *iceGatherer) Wait(ctx context.Context) ([]webrtc.ICECandidateInit, bool, error) {
	if g.pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		g.finish()
	}
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	complete := true
	select {
	case <-g.done:
	case <-timer.C:
		complete = false
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(g.candidates))
	copy(out, g.candidates)
	return out, complete, nil
}

package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// candidateConn is the slice of *webrtc.PeerConnection the queue needs.
type candidateConn interface {
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
}

// CandidateQueue buffers ICE candidates that arrive before the owning
// connection's remote description is set and flushes them in FIFO order
// once negotiation is ready. One queue per peer connection; queues are
// never shared across roles.
type CandidateQueue struct {
	mu      sync.Mutex
	conn    candidateConn
	pending []webrtc.ICECandidateInit
	log     *zap.Logger
}

func NewCandidateQueue(conn candidateConn, log *zap.Logger) *CandidateQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &CandidateQueue{conn: conn, log: log.Named("ice-queue")}
}

// Add applies the candidate immediately when the remote description is
// already set, otherwise appends it to the pending queue.
func (q *CandidateQueue) Add(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn.RemoteDescription() == nil {
		q.pending = append(q.pending, c)
		q.log.Debug("buffered ICE candidate", zap.Int("pending", len(q.pending)))
		return
	}
	q.applyLocked(c)
}

// Flush drains the queue in insertion order. Malformed candidates (no
// sdpMid and nil sdpMLineIndex) cannot be applied and are dropped; a
// failure applying one candidate does not stop the rest. The queue is
// cleared afterwards unconditionally so stale candidates are never
// reapplied.
func (q *CandidateQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.pending {
		if (c.SDPMid == nil || *c.SDPMid == "") && c.SDPMLineIndex == nil {
			q.log.Warn("dropping malformed ICE candidate", zap.String("candidate", c.Candidate))
			continue
		}
		q.applyLocked(c)
	}
	q.pending = nil
}

// Len reports how many candidates are waiting.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *CandidateQueue) applyLocked(c webrtc.ICECandidateInit) {
	if err := q.conn.AddICECandidate(c); err != nil {
		q.log.Warn("failed to apply ICE candidate",
			zap.String("candidate", c.Candidate),
			zap.Error(err))
	}
}

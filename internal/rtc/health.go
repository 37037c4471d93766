package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	warningPacketLoss  = 0.05
	criticalPacketLoss = 0.15
	warningRTT         = 200 * time.Millisecond
	criticalRTT        = 500 * time.Millisecond

	statsInterval  = 3 * time.Second
	sampleCapacity = 10
)

// HealthLevel grades one warning.
type HealthLevel int

const (
	LevelInfo HealthLevel = iota
	LevelWarning
	LevelCritical
)

// HealthWarning is one observed connection-quality issue.
type HealthWarning struct {
	Role    Role
	Level   HealthLevel
	Message string
	Value   float64
	At      time.Time
}

// HealthSample is one stats snapshot taken from a peer connection.
type HealthSample struct {
	PacketLoss   float64
	RTT          time.Duration
	BytesIn      uint64
	BytesOut     uint64
	NacksIn      uint32
	At           time.Time
	ICEState     webrtc.ICEConnectionState
	ConnectionOK bool
}

// sampleRing holds the most recent samples with a fixed capacity.
type sampleRing struct {
	mu   sync.Mutex
	data []HealthSample
	head int
	size int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{data: make([]HealthSample, capacity)}
}

func (r *sampleRing) add(s HealthSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[r.head] = s
	r.head = (r.head + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// recent returns up to n samples, newest first.
func (r *sampleRing) recent(n int) []HealthSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.size {
		n = r.size
	}
	out := make([]HealthSample, n)
	pos := (r.head - 1 + len(r.data)) % len(r.data)
	for i := 0; i < n; i++ {
		out[i] = r.data[pos]
		pos = (pos - 1 + len(r.data)) % len(r.data)
	}
	return out
}

// HealthMonitor polls one peer connection's stats on an interval and
// grades packet loss and round-trip time against fixed thresholds.
// Warnings are delivered on a buffered channel; when nobody drains it,
// new warnings are dropped rather than blocking collection.
type HealthMonitor struct {
	role    Role
	pc      *webrtc.PeerConnection
	samples *sampleRing

	warnings chan HealthWarning

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	log *zap.Logger
}

// NewHealthMonitor builds a monitor for an established connection.
func NewHealthMonitor(role Role, pc *webrtc.PeerConnection, log *zap.Logger) *HealthMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthMonitor{
		role:     role,
		pc:       pc,
		samples:  newSampleRing(sampleCapacity),
		warnings: make(chan HealthWarning, 16),
		done:     make(chan struct{}),
		log:      log.Named("health").With(zap.String("role", role.String())),
	}
}

// Warnings is the stream of graded issues.
func (h *HealthMonitor) Warnings() <-chan HealthWarning { return h.warnings }

// Recent returns up to n samples, newest first.
func (h *HealthMonitor) Recent(n int) []HealthSample { return h.samples.recent(n) }

// Start launches the collection loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.loop(ctx)
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := h.collect()
			h.samples.add(s)
			h.grade(s)
		}
	}
}

func (h *HealthMonitor) collect() HealthSample {
	s := HealthSample{
		At:           time.Now(),
		ICEState:     h.pc.ICEConnectionState(),
		ConnectionOK: h.pc.ConnectionState() == webrtc.PeerConnectionStateConnected,
	}

	var packetsIn, packetsLost uint64
	for _, stat := range h.pc.GetStats() {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			packetsIn += uint64(st.PacketsReceived)
			packetsLost += uint64(st.PacketsLost)
			s.BytesIn += st.BytesReceived
			s.NacksIn += st.NACKCount
		case webrtc.OutboundRTPStreamStats:
			s.BytesOut += st.BytesSent
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				s.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	if total := packetsIn + packetsLost; total > 0 {
		s.PacketLoss = float64(packetsLost) / float64(total)
	}
	return s
}

func (h *HealthMonitor) grade(s HealthSample) {
	switch {
	case s.PacketLoss >= criticalPacketLoss:
		h.warn(LevelCritical, "critical packet loss", s.PacketLoss)
	case s.PacketLoss >= warningPacketLoss:
		h.warn(LevelWarning, "elevated packet loss", s.PacketLoss)
	}
	switch {
	case s.RTT >= criticalRTT:
		h.warn(LevelCritical, "critical round-trip time", s.RTT.Seconds())
	case s.RTT >= warningRTT:
		h.warn(LevelWarning, "elevated round-trip time", s.RTT.Seconds())
	}
	if s.ICEState == webrtc.ICEConnectionStateDisconnected {
		h.warn(LevelWarning, "ICE disconnected", 0)
	}
}

func (h *HealthMonitor) warn(level HealthLevel, msg string, value float64) {
	w := HealthWarning{Role: h.role, Level: level, Message: msg, Value: value, At: time.Now()}
	select {
	case h.warnings <- w:
	default:
		h.log.Debug("health warning dropped, channel full", zap.String("message", msg))
	}
}

// Stop ends collection, waits for the loop to exit and closes the
// warning stream. Safe to call more than once.
func (h *HealthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		close(h.warnings)
	})
}

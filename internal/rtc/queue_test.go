package rtc

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
)

// fakeCandidateConn records applied candidates and lets tests control
// whether a remote description exists and which candidates fail.
type fakeCandidateConn struct {
	remoteSet bool
	applied   []string
	failOn    map[string]bool
}

func (f *fakeCandidateConn) RemoteDescription() *webrtc.SessionDescription {
	if !f.remoteSet {
		return nil
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
}

func (f *fakeCandidateConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	if f.failOn[c.Candidate] {
		return fmt.Errorf("apply failed for %s", c.Candidate)
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func strPtr(s string) *string { return &s }

func u16Ptr(v uint16) *uint16 { return &v }

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: strPtr("0")}
}

func TestQueueBuffersUntilRemoteDescription(t *testing.T) {
	conn := &fakeCandidateConn{}
	q := NewCandidateQueue(conn, nil)

	q.Add(cand("a"))
	q.Add(cand("b"))
	q.Add(cand("c"))

	if len(conn.applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", conn.applied)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 pending candidates, got %d", q.Len())
	}

	conn.remoteSet = true
	q.Flush()

	want := []string{"a", "b", "c"}
	if len(conn.applied) != len(want) {
		t.Fatalf("expected %d applied, got %d", len(want), len(conn.applied))
	}
	for i, w := range want {
		if conn.applied[i] != w {
			t.Fatalf("candidate %d applied out of order: got %s, want %s", i, conn.applied[i], w)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not cleared after flush: %d pending", q.Len())
	}
}

func TestQueueAppliesImmediatelyWhenRemoteSet(t *testing.T) {
	conn := &fakeCandidateConn{remoteSet: true}
	q := NewCandidateQueue(conn, nil)

	q.Add(cand("x"))

	if q.Len() != 0 {
		t.Fatalf("candidate buffered despite remote description being set")
	}
	if len(conn.applied) != 1 || conn.applied[0] != "x" {
		t.Fatalf("candidate not applied immediately: %v", conn.applied)
	}
}

func TestFlushSkipsMalformedCandidates(t *testing.T) {
	conn := &fakeCandidateConn{}
	q := NewCandidateQueue(conn, nil)

	q.Add(cand("good-1"))
	// Neither sdpMid nor sdpMLineIndex: cannot be applied, must be dropped.
	q.Add(webrtc.ICECandidateInit{Candidate: "malformed"})
	// sdpMLineIndex alone is enough to apply.
	q.Add(webrtc.ICECandidateInit{Candidate: "good-2", SDPMLineIndex: u16Ptr(1)})

	conn.remoteSet = true
	q.Flush()

	want := []string{"good-1", "good-2"}
	if len(conn.applied) != len(want) {
		t.Fatalf("expected %v applied, got %v", want, conn.applied)
	}
	for i, w := range want {
		if conn.applied[i] != w {
			t.Fatalf("applied[%d] = %s, want %s", i, conn.applied[i], w)
		}
	}
}

func TestFlushClearsQueueDespiteFailures(t *testing.T) {
	conn := &fakeCandidateConn{failOn: map[string]bool{"bad": true}}
	q := NewCandidateQueue(conn, nil)

	q.Add(cand("first"))
	q.Add(cand("bad"))
	q.Add(cand("last"))

	conn.remoteSet = true
	q.Flush()

	// The failure must not abort the rest of the flush.
	want := []string{"first", "last"}
	if len(conn.applied) != len(want) {
		t.Fatalf("expected %v applied, got %v", want, conn.applied)
	}
	// And the queue is cleared unconditionally so nothing stale is
	// reapplied later.
	if q.Len() != 0 {
		t.Fatalf("queue retained %d candidates after flush", q.Len())
	}
	q.Flush()
	if len(conn.applied) != len(want) {
		t.Fatalf("second flush reapplied candidates: %v", conn.applied)
	}
}

package rtc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// fakeDescConn drives the negotiator without a real peer connection.
type fakeDescConn struct {
	fakeCandidateConn
	failCreateOffer bool
	localSet        int
	offersCreated   int
	answersCreated  int
}

func (f *fakeDescConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.failCreateOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer failed")
	}
	f.offersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakeDescConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.answersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (f *fakeDescConn) SetLocalDescription(webrtc.SessionDescription) error {
	f.localSet++
	return nil
}

func (f *fakeDescConn) SetRemoteDescription(webrtc.SessionDescription) error {
	f.remoteSet = true
	return nil
}

// recordingSender captures emitted signaling events.
type recordingSender struct {
	events   []string
	failSend bool
}

func (r *recordingSender) Emit(event string, _ any) error {
	if r.failSend {
		return fmt.Errorf("send failed")
	}
	r.events = append(r.events, event)
	return nil
}

func newTestNegotiator(conn *fakeDescConn, send Sender, maxAttempts int) *Negotiator {
	q := NewCandidateQueue(conn, nil)
	return NewNegotiator(conn, q, send, NegotiatorOptions{
		Role:        RolePrimary,
		MaxAttempts: maxAttempts,
		Polite:      true,
	}, nil)
}

func answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
}

func TestNegotiateOnlyWhenStable(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{}
	n := newTestNegotiator(conn, send, 7)

	if err := n.Negotiate(); err != nil {
		t.Fatalf("first negotiate failed: %v", err)
	}
	if n.State() != StateHaveLocalOffer {
		t.Fatalf("state = %s, want have-local-offer", n.State())
	}
	if len(send.events) != 1 {
		t.Fatalf("expected 1 offer sent, got %d events", len(send.events))
	}

	// Not stable anymore: a second offer check must not send anything.
	if err := n.Negotiate(); err != nil {
		t.Fatalf("negotiate while pending returned error: %v", err)
	}
	if len(send.events) != 1 {
		t.Fatalf("offer sent while not stable: %d events", len(send.events))
	}
	if conn.offersCreated != 1 {
		t.Fatalf("offer created while not stable: %d", conn.offersCreated)
	}
}

func TestNegotiateAttemptBudget(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{failSend: true}
	n := newTestNegotiator(conn, send, 7)

	if err := n.Negotiate(); err == nil {
		t.Fatal("first attempt unexpectedly succeeded")
	}
	for i := 0; i < 6; i++ {
		if err := n.resendOffer(); err == nil {
			t.Fatalf("resend %d unexpectedly succeeded", i+2)
		}
	}
	if n.Attempts() != 7 {
		t.Fatalf("attempts = %d, want 7", n.Attempts())
	}
	// The offer was created and applied once; only the send retries.
	if conn.offersCreated != 1 || conn.localSet != 1 {
		t.Fatalf("offer recreated during send retries: created=%d localSet=%d",
			conn.offersCreated, conn.localSet)
	}

	// The budget is spent: further attempts are refused outright.
	err := n.resendOffer()
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
}

func TestFailedSendKeepsLocalOfferState(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{failSend: true}
	n := newTestNegotiator(conn, send, 7)

	if err := n.Negotiate(); err == nil {
		t.Fatal("negotiate unexpectedly succeeded")
	}
	// The local description was applied, so the tracked state must match
	// the connection's have-local-offer, not revert to stable.
	if n.State() != StateHaveLocalOffer {
		t.Fatalf("state = %s after failed send, want have-local-offer", n.State())
	}

	send.failSend = false
	if err := n.resendOffer(); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if len(send.events) != 1 || send.events[0] != "offer" {
		t.Fatalf("unexpected events after resend: %v", send.events)
	}
	// Resend is a no-op once delivery succeeded.
	if err := n.resendOffer(); err != nil {
		t.Fatalf("idle resend returned error: %v", err)
	}
	if len(send.events) != 1 {
		t.Fatalf("offer sent twice: %v", send.events)
	}

	// The answer still completes the exchange.
	if err := n.HandleRemoteAnswer(answer()); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	if n.State() != StateStable || n.Attempts() != 0 {
		t.Fatalf("state = %s attempts = %d after answer", n.State(), n.Attempts())
	}
}

func TestExhaustionCallbackFiresOnce(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{failSend: true}
	fired := make(chan error, 4)
	q := NewCandidateQueue(conn, nil)
	n := NewNegotiator(conn, q, send, NegotiatorOptions{
		Role:        RolePrimary,
		MaxAttempts: 2,
		Polite:      true,
		OnExhausted: func(err error) { fired <- err },
	}, nil)

	if err := n.Negotiate(); err == nil {
		t.Fatal("first attempt unexpectedly succeeded")
	}
	if err := n.resendOffer(); err == nil {
		t.Fatal("second attempt unexpectedly succeeded")
	}
	if err := n.resendOffer(); !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
	if err := n.resendOffer(); !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}

	select {
	case err := <-fired:
		if !errors.Is(err, ErrNegotiationFailed) {
			t.Fatalf("callback got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion callback never fired")
	}
	select {
	case <-fired:
		t.Fatal("exhaustion callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAnswerResetsAttemptCounter(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{}
	n := newTestNegotiator(conn, send, 7)

	if err := n.Negotiate(); err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if n.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", n.Attempts())
	}

	if err := n.HandleRemoteAnswer(answer()); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	if n.State() != StateStable {
		t.Fatalf("state = %s after answer, want stable", n.State())
	}
	if n.Attempts() != 0 {
		t.Fatalf("attempts = %d after successful negotiation, want 0", n.Attempts())
	}
}

func TestLateAnswerWhileStableIsIgnored(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{}
	n := newTestNegotiator(conn, send, 7)

	if err := n.HandleRemoteAnswer(answer()); err != nil {
		t.Fatalf("late answer returned error: %v", err)
	}
	if n.State() != StateStable {
		t.Fatalf("state changed by late answer: %s", n.State())
	}
	if conn.remoteSet {
		t.Fatal("late answer applied as remote description")
	}
	if len(send.events) != 0 {
		t.Fatalf("late answer triggered network calls: %v", send.events)
	}
}

func TestPoliteOfferDuringCollision(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{}
	n := newTestNegotiator(conn, send, 7)

	if err := n.Negotiate(); err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if n.State() != StateHaveLocalOffer {
		t.Fatalf("state = %s, want have-local-offer", n.State())
	}

	// A polite peer yields to the incoming offer even with its own
	// offer in flight.
	if err := n.HandleRemoteOffer(offer()); err != nil {
		t.Fatalf("remote offer during collision failed: %v", err)
	}
	if n.State() != StateStable {
		t.Fatalf("state = %s after answering, want stable", n.State())
	}
	if conn.answersCreated != 1 {
		t.Fatalf("answers created = %d, want 1", conn.answersCreated)
	}
	// offer then answer
	if len(send.events) != 2 || send.events[1] != "answer" {
		t.Fatalf("unexpected event sequence: %v", send.events)
	}
}

func TestRemoteOfferFlushesQueueBeforeAnswer(t *testing.T) {
	conn := &fakeDescConn{}
	send := &recordingSender{}
	q := NewCandidateQueue(conn, nil)
	n := NewNegotiator(conn, q, send, NegotiatorOptions{Role: RoleScreenShare, MaxAttempts: 7, Polite: true}, nil)

	n.HandleRemoteCandidate(cand("early"))
	if len(conn.applied) != 0 {
		t.Fatal("candidate applied before remote description")
	}

	if err := n.HandleRemoteOffer(offer()); err != nil {
		t.Fatalf("remote offer failed: %v", err)
	}
	if len(conn.applied) != 1 || conn.applied[0] != "early" {
		t.Fatalf("queued candidate not flushed on offer: %v", conn.applied)
	}
}

func TestClosedNegotiatorRefusesWork(t *testing.T) {
	conn := &fakeDescConn{}
	n := newTestNegotiator(conn, &recordingSender{}, 7)

	n.Close()
	if n.State() != StateClosed {
		t.Fatalf("state = %s, want closed", n.State())
	}
	if err := n.Negotiate(); err == nil {
		t.Fatal("negotiate on closed negotiator succeeded")
	}
	if err := n.HandleRemoteOffer(offer()); err != nil {
		t.Fatalf("offer after close should be dropped silently, got %v", err)
	}
	if conn.remoteSet {
		t.Fatal("offer applied after close")
	}
}

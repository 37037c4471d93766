package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/signaling"
)

// ErrNegotiationFailed is raised when the bounded attempt budget for one
// connection is exhausted. It is fatal for the session.
var ErrNegotiationFailed = errors.New("negotiation attempt budget exhausted")

// SignalingState tracks where offer/answer exchange stands for one
// connection. It mirrors the subset of RTC signaling states the exchange
// actually moves through.
type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateClosed
)

func (s SignalingState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// descriptionConn is the slice of *webrtc.PeerConnection the negotiator
// drives.
type descriptionConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
}

// Sender emits role-tagged signaling events. *signaling.Client satisfies it.
type Sender interface {
	Emit(event string, payload any) error
}

// NegotiatorOptions parameterizes one negotiator. The same algorithm
// serves the primary, screen-share and recording connections; only the
// role tag differs.
type NegotiatorOptions struct {
	Role        Role
	MaxAttempts int
	RetryDelay  time.Duration

	// Polite makes this peer always yield to incoming offers, even with a
	// local offer in flight. This is the right call for two-party or
	// trusted-signaling topologies; with many peers renegotiating at once
	// it gives up real glare protection, so it is a flag rather than a
	// constant.
	Polite bool

	// OnExhausted fires once the attempt budget runs out, from its own
	// goroutine so the owner may tear this negotiator down in response.
	OnExhausted func(error)
}

// Negotiator implements offer/answer exchange for one role-tagged peer
// connection, with a bounded attempt counter and explicit state tracking.
type Negotiator struct {
	role        Role
	polite      bool
	maxAttempts int
	retryDelay  time.Duration

	conn  descriptionConn
	queue *CandidateQueue
	send  Sender
	log   *zap.Logger

	onExhausted func(error)

	mu           sync.Mutex
	state        SignalingState
	attempts     int
	exhausted    bool
	pendingOffer *webrtc.SessionDescription
	retryTimer   *time.Timer
}

func NewNegotiator(conn descriptionConn, queue *CandidateQueue, send Sender, opts NegotiatorOptions, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 7
	}
	return &Negotiator{
		role:        opts.Role,
		polite:      opts.Polite,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		onExhausted: opts.OnExhausted,
		conn:        conn,
		queue:       queue,
		send:        send,
		log:         log.Named("negotiator").With(zap.String("role", opts.Role.String())),
	}
}

// State reports the current signaling state.
func (n *Negotiator) State() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Attempts reports the current value of the bounded attempt counter.
func (n *Negotiator) Attempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts
}

// Negotiate runs one "offer check": create and send an offer, but only if
// the state is exactly stable. Each call consumes one attempt from the
// bounded budget; once the budget is gone further calls are refused with
// ErrNegotiationFailed until a successfully applied answer resets the
// counter.
func (n *Negotiator) Negotiate() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return fmt.Errorf("negotiator closed")
	}
	if n.state != StateStable {
		n.log.Debug("skipping offer check, state not stable", zap.String("state", n.state.String()))
		return nil
	}
	if n.attempts >= n.maxAttempts {
		return n.exhaustLocked()
	}
	n.attempts++
	n.log.Info("starting negotiation",
		zap.Int("attempt", n.attempts),
		zap.Int("remaining", n.maxAttempts-n.attempts))

	offer, err := n.conn.CreateOffer(nil)
	if err != nil {
		n.scheduleRetryLocked()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		n.scheduleRetryLocked()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	n.state = StateHaveLocalOffer

	if err := n.send.Emit(signaling.EventOffer, signaling.SDPMessage{SDP: offer, PeerType: n.role.String()}); err != nil {
		// The local description is already applied, so the connection is
		// in have-local-offer regardless; keep the tracked state matching
		// and retry only the send.
		n.pendingOffer = &offer
		n.scheduleRetryLocked()
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// resendOffer retries delivery of an offer whose local description was
// applied but whose send failed. Each retry consumes an attempt from the
// same bounded budget as Negotiate.
func (n *Negotiator) resendOffer() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateHaveLocalOffer || n.pendingOffer == nil {
		return nil
	}
	if n.attempts >= n.maxAttempts {
		return n.exhaustLocked()
	}
	n.attempts++

	offer := *n.pendingOffer
	if err := n.send.Emit(signaling.EventOffer, signaling.SDPMessage{SDP: offer, PeerType: n.role.String()}); err != nil {
		n.scheduleRetryLocked()
		return fmt.Errorf("failed to resend offer: %w", err)
	}
	n.pendingOffer = nil
	return nil
}

// HandleRemoteOffer applies an incoming offer and answers it. Under the
// polite policy the offer is accepted even while a local offer is in
// flight; the remote description simply wins the collision.
func (n *Negotiator) HandleRemoteOffer(sdp webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return nil
	}
	if n.state == StateHaveLocalOffer {
		if !n.polite {
			n.log.Warn("offer collision, ignoring remote offer (impolite)")
			return nil
		}
		n.log.Info("offer collision, yielding to remote offer")
		n.pendingOffer = nil
	}

	if err := n.conn.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	n.state = StateHaveRemoteOffer
	n.queue.Flush()

	answer, err := n.conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}
	n.state = StateStable

	if err := n.send.Emit(signaling.EventAnswer, signaling.SDPMessage{SDP: answer, PeerType: n.role.String()}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

// HandleRemoteAnswer applies an incoming answer. A duplicate or late
// answer arriving while already stable is logged and dropped; it is not
// an error.
func (n *Negotiator) HandleRemoteAnswer(sdp webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return nil
	}
	if n.state == StateStable {
		n.log.Info("ignoring answer while stable (duplicate or late delivery)")
		return nil
	}

	if err := n.conn.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	n.state = StateStable
	n.attempts = 0
	n.exhausted = false
	n.pendingOffer = nil
	n.stopRetryLocked()
	n.queue.Flush()
	n.log.Info("negotiation complete")
	return nil
}

// HandleRemoteCandidate routes a trickled candidate through the queue.
func (n *Negotiator) HandleRemoteCandidate(c webrtc.ICECandidateInit) {
	n.queue.Add(c)
}

// Close terminates the negotiator. Closed is the terminal state.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StateClosed
	n.stopRetryLocked()
}

// exhaustLocked surfaces the spent attempt budget: terminal error, retry
// timer stopped, the owner notified at most once.
func (n *Negotiator) exhaustLocked() error {
	n.stopRetryLocked()
	n.log.Error("negotiation attempts exhausted", zap.Int("attempts", n.attempts))
	if n.onExhausted != nil && !n.exhausted {
		n.exhausted = true
		go n.onExhausted(ErrNegotiationFailed)
	}
	return ErrNegotiationFailed
}

func (n *Negotiator) scheduleRetryLocked() {
	if n.retryDelay <= 0 {
		return
	}
	if n.attempts >= n.maxAttempts {
		n.exhaustLocked()
		return
	}
	n.stopRetryLocked()
	n.retryTimer = time.AfterFunc(n.retryDelay, n.retry)
}

// retry resumes where the failed attempt stopped: a pending offer is
// resent, otherwise a fresh offer check runs.
func (n *Negotiator) retry() {
	n.mu.Lock()
	pending := n.pendingOffer != nil
	n.mu.Unlock()

	var err error
	if pending {
		err = n.resendOffer()
	} else {
		err = n.Negotiate()
	}
	if err != nil {
		n.log.Warn("negotiation retry failed", zap.Error(err))
	}
}

func (n *Negotiator) stopRetryLocked() {
	if n.retryTimer != nil {
		n.retryTimer.Stop()
		n.retryTimer = nil
	}
}

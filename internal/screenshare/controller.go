package screenshare

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/rtc"
	"github.com/openmeet/meetcore/internal/signaling"
)

// Controller runs the screen-share sub-session: a second peer connection,
// negotiated independently of the primary one, carrying a single shared
// screen video track. It is created lazily the first time the local user
// presents or a remote presenter is announced.
type Controller struct {
	mu sync.Mutex

	factory *rtc.Factory
	send    rtc.Sender
	negOpts rtc.NegotiatorOptions

	conn *rtc.Conn
	neg  *rtc.Negotiator

	owner        string
	localSocket  string
	remoteTrack  *webrtc.TrackRemote
	localRelease func()

	onFailure func(rtc.Role)

	log *zap.Logger
}

func New(factory *rtc.Factory, send rtc.Sender, negOpts rtc.NegotiatorOptions, onFailure func(rtc.Role), log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	negOpts.Role = rtc.RoleScreenShare
	return &Controller{
		factory:   factory,
		send:      send,
		negOpts:   negOpts,
		onFailure: onFailure,
		log:       log.Named("screenshare"),
	}
}

// SetLocalSocketID records the local peer's socket id for owner tracking.
func (c *Controller) SetLocalSocketID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSocket = id
}

// Negotiator returns the sub-session's negotiator, or nil before the
// connection exists.
func (c *Controller) Negotiator() *rtc.Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neg
}

// Owner reports the socket id of the current presenter, empty when no
// one is sharing.
func (c *Controller) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// RemoteTrack returns the shared screen track when the local peer is a
// viewer.
func (c *Controller) RemoteTrack() *webrtc.TrackRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteTrack
}

// ensureConnLocked lazily builds the screen-share connection. As a
// viewer the connection carries a receive-only video transceiver; the
// presenter path adds its own send track instead.
func (c *Controller) ensureConnLocked(viewer bool) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.factory.Create(rtc.RoleScreenShare, rtc.Callbacks{
		OnCandidate: func(role rtc.Role, cand webrtc.ICECandidateInit) {
			if err := c.send.Emit(signaling.EventCandidate, signaling.CandidateMessage{
				Candidate: cand,
				PeerType:  role.String(),
			}); err != nil {
				c.log.Warn("failed to send screen-share candidate", zap.Error(err))
			}
		},
		OnFailure: func(role rtc.Role) {
			if c.onFailure != nil {
				c.onFailure(role)
			}
		},
		OnTrack: func(_ rtc.Role, _ string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			// The one incoming video track on this connection is the
			// shared screen.
			c.mu.Lock()
			c.remoteTrack = track
			c.mu.Unlock()
		},
	})
	if err != nil {
		return err
	}

	if viewer {
		if _, err := conn.PC.AddTransceiverFromKind(
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			conn.Close()
			return fmt.Errorf("failed to add recvonly transceiver: %w", err)
		}
	}

	c.conn = conn
	c.neg = rtc.NewNegotiator(conn.PC, conn.Queue, c.send, c.negOpts, c.log)
	return nil
}

// StartLocal begins presenting the given screen-capture track.
func (c *Controller) StartLocal(track webrtc.TrackLocal, release func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(false); err != nil {
		return err
	}
	if _, err := c.conn.PC.AddTrack(track); err != nil {
		return fmt.Errorf("failed to add screen track: %w", err)
	}
	c.localRelease = release
	c.owner = c.localSocket

	if err := c.send.Emit(signaling.EventSharingPeer, nil); err != nil {
		return fmt.Errorf("failed to announce sharing peer: %w", err)
	}
	return c.neg.Negotiate()
}

// StopLocal ends local presenting.
func (c *Controller) StopLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localRelease != nil {
		c.localRelease()
		c.localRelease = nil
	}
	if c.owner == c.localSocket {
		c.owner = ""
	}
}

// HandleRemoteStart records a remote presenter. A second start while one
// presenter is active simply overwrites the owner: last writer wins, no
// arbitration at this layer. The connection is created lazily so the
// presenter's offer can be answered.
func (c *Controller) HandleRemoteStart(socketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = socketID
	return c.ensureConnLocked(true)
}

// HandleRemoteStop clears the presenter and the shared track reference.
func (c *Controller) HandleRemoteStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = ""
	c.remoteTrack = nil
}

// EnsureViewer guarantees a connection exists to answer a screen-share
// offer that arrives before the start event.
func (c *Controller) EnsureViewer() (*rtc.Negotiator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(true); err != nil {
		return nil, err
	}
	return c.neg, nil
}

// Close tears the sub-session down. Safe to call without a connection.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localRelease != nil {
		c.localRelease()
		c.localRelease = nil
	}
	if c.neg != nil {
		c.neg.Close()
		c.neg = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Warn("failed to close screen-share connection", zap.Error(err))
		}
		c.conn = nil
	}
	c.owner = ""
	c.remoteTrack = nil
}

package rtc

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Callbacks is the uniform event wiring every connection gets regardless
// of role. The owner decides what each event means for its role.
type Callbacks struct {
	// OnCandidate fires for each locally gathered ICE candidate; the owner
	// emits it over signaling tagged with the role.
	OnCandidate func(role Role, c webrtc.ICECandidateInit)
	// OnFailure fires when the connection state reaches failed. The
	// lifecycle controller uses it to tear down and re-attempt the session.
	OnFailure func(role Role)
	// OnTrack fires when a remote track arrives, with the mid recovered
	// from the receiving transceiver.
	OnTrack func(role Role, mid string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	// OnDataChannel fires when the remote side opens a data channel.
	OnDataChannel func(label string, dc *webrtc.DataChannel)
}

// Conn is one role-tagged peer connection with its exclusively owned
// candidate queue.
type Conn struct {
	Role  Role
	PC    *webrtc.PeerConnection
	Queue *CandidateQueue
}

// Close shuts the underlying peer connection.
func (c *Conn) Close() error {
	if c == nil || c.PC == nil {
		return nil
	}
	return c.PC.Close()
}

// Factory builds role-tagged peer connections off a shared webrtc.API.
type Factory struct {
	api  *webrtc.API
	conf webrtc.Configuration
	log  *zap.Logger
}

// NewFactory prepares the media engine and ICE configuration shared by
// all connections of a session. populate registers codecs on the engine;
// the device provider supplies it so locally encoded tracks negotiate,
// and nil falls back to the default codec set.
func NewFactory(stunServers []string, populate func(*webrtc.MediaEngine) error, log *zap.Logger) (*Factory, error) {
	if log == nil {
		log = zap.NewNop()
	}

	mediaEngine := webrtc.MediaEngine{}
	if populate == nil {
		populate = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := populate(&mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to populate media engine: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	conf := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(stunServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	return &Factory{api: api, conf: conf, log: log.Named("rtc-factory")}, nil
}

// Create builds a connection for the given role and wires its event
// callbacks. Each connection gets its own candidate queue; queues and
// signaling tags are never shared between roles.
func (f *Factory) Create(role Role, cb Callbacks) (*Conn, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s peer connection: %w", role, err)
	}

	log := f.log.With(zap.String("role", role.String()))
	queue := NewCandidateQueue(pc, log)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		if cb.OnCandidate != nil {
			cb.OnCandidate(role, c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed && cb.OnFailure != nil {
			cb.OnFailure(role)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		mid := midForReceiver(pc, recv)
		log.Info("remote track arrived",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("mid", mid))
		if cb.OnTrack != nil {
			cb.OnTrack(role, mid, track, recv)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info("data channel arrived", zap.String("label", dc.Label()))
		if cb.OnDataChannel != nil {
			cb.OnDataChannel(dc.Label(), dc)
		}
	})

	return &Conn{Role: role, PC: pc, Queue: queue}, nil
}

// midForReceiver recovers the negotiated mid for the transceiver that
// owns the given receiver.
func midForReceiver(pc *webrtc.PeerConnection, recv *webrtc.RTPReceiver) string {
	for _, t := range pc.GetTransceivers() {
		if t.Receiver() == recv {
			return t.Mid()
		}
	}
	return ""
}

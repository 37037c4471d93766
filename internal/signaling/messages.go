package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names exchanged with the media-coordination server.
const (
	EventConnected          = "connected"
	EventJoin               = "join"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventCandidate          = "candidate"
	EventUserJoined         = "user-joined"
	EventParticipantRoom    = "participant-room-info"
	EventTransceiverInfo    = "transceiver-info"
	EventClientDisconnected = "client-disconnected"
	EventMuteAudio          = "mute-audio"
	EventUnmuteAudio        = "unmute-audio"
	EventMuteVideo          = "mute-video"
	EventUnmuteVideo        = "unmute-video"
	EventStartShareScreen   = "start-share-screen"
	EventStopShareScreen    = "stop-share-screen"
	EventChatMessage        = "chat-message"
	EventAction             = "action"
	EventSharingPeer        = "sharing-peer"
	EventRecordingPeer      = "recording-peer"
)

// Action enum values carried by the generic "action" event.
const (
	ActionMuteAudio      = "mute-audio"
	ActionUnmuteAudio    = "unmute-audio"
	ActionMuteVideo      = "mute-video"
	ActionUnmuteVideo    = "unmute-video"
	ActionStartShare     = "start-share-screen"
	ActionStopShare      = "stop-share-screen"
	ActionStartRecording = "start-recording"
	ActionStopRecording  = "stop-recording"
)

// Envelope is the wire frame: every message is an event name plus an
// opaque payload decoded by the subscribed handler.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SDPMessage carries an offer or answer, tagged with the peer-connection
// role it belongs to so the receiver dispatches to the right connection.
type SDPMessage struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	PeerType string                    `json:"peerType"`
}

// CandidateMessage carries one trickled ICE candidate, role-tagged.
type CandidateMessage struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	PeerType  string                  `json:"peerType"`
}

// JoinMessage announces the local participant to a room.
type JoinMessage struct {
	Room     string `json:"room"`
	Language string `json:"language"`
	IsOwner  bool   `json:"isOwner"`
	AudioOn  bool   `json:"isAudioOn"`
	VideoOn  bool   `json:"isVideoOn"`
}

// ParticipantStatus mirrors the status block of a join payload.
type ParticipantStatus struct {
	IsAudioOn bool `json:"isAudioOn"`
	IsVideoOn bool `json:"isVideoOn"`
}

// ParticipantInfo is one entry of the declared participant list.
type ParticipantInfo struct {
	ID       int64             `json:"id"`
	SocketID string            `json:"socketId"`
	Status   ParticipantStatus `json:"status"`
}

// UserJoinedMessage is sent when a remote attendee enters the room and
// carries the server's full view of current membership.
type UserJoinedMessage struct {
	UserID           int64             `json:"userId"`
	SocketID         string            `json:"socketId"`
	ParticipantsInfo []ParticipantInfo `json:"participantsInfo"`
}

// TransceiverInfoMessage announces a mid-to-socket binding established
// during SDP negotiation. Type marks screen-share tracks.
type TransceiverInfoMessage struct {
	Mid      string `json:"mid"`
	Kind     string `json:"kind"`
	Type     string `json:"type"`
	SocketID string `json:"socketId"`
}

// SocketMessage addresses a single participant by session-scoped socket id.
type SocketMessage struct {
	SocketID string `json:"socketId"`
}

// StatusMessage is a mute/unmute style flag change for one participant.
type StatusMessage struct {
	SocketID string `json:"socketId"`
	Status   bool   `json:"status"`
}

// ActionMessage is the generic status-change emitted by the local peer.
type ActionMessage struct {
	Action   string `json:"action"`
	SocketID string `json:"socketId,omitempty"`
}

// ChatMessage is one room-wide text message.
type ChatMessage struct {
	Message   string `json:"message"`
	UserID    int64  `json:"userId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

package session

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/rtc"
	"github.com/openmeet/meetcore/internal/signaling"
)

// registerHandlersLocked subscribes every signaling event the session
// consumes. The subscriptions are collected so teardown can cancel each
// exactly once.
func (s *Session) registerHandlersLocked() {
	on := func(event string, h signaling.Handler) {
		s.subs = append(s.subs, s.sig.On(event, h))
	}

	on(signaling.EventOffer, s.handleOffer)
	on(signaling.EventAnswer, s.handleAnswer)
	on(signaling.EventCandidate, s.handleCandidate)
	on(signaling.EventUserJoined, s.handleUserJoined)
	on(signaling.EventParticipantRoom, s.handleUserJoined)
	on(signaling.EventTransceiverInfo, s.handleTransceiverInfo)
	on(signaling.EventClientDisconnected, s.handleClientDisconnected)
	on(signaling.EventChatMessage, s.handleChatMessage)
	on(signaling.EventStartShareScreen, s.handleStartShare)
	on(signaling.EventStopShareScreen, s.handleStopShare)

	for _, ev := range []string{
		signaling.EventMuteAudio,
		signaling.EventUnmuteAudio,
		signaling.EventMuteVideo,
		signaling.EventUnmuteVideo,
	} {
		ev := ev
		on(ev, func(data json.RawMessage) { s.handleStatus(ev, data) })
	}
}

// negotiatorFor dispatches a peer-level message to the connection its
// role tag names.
func (s *Session) negotiatorFor(peerType string) (*rtc.Negotiator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch rtc.Role(peerType) {
	case rtc.RolePrimary:
		if s.primaryNeg == nil {
			return nil, fmt.Errorf("no primary connection")
		}
		return s.primaryNeg, nil
	case rtc.RoleScreenShare:
		if s.screen == nil {
			return nil, fmt.Errorf("no screen-share controller")
		}
		return s.screen.EnsureViewer()
	case rtc.RoleRecording:
		if s.recordingNeg == nil {
			return nil, fmt.Errorf("no recording connection")
		}
		return s.recordingNeg, nil
	default:
		return nil, fmt.Errorf("unknown peer type %q", peerType)
	}
}

func (s *Session) handleOffer(data json.RawMessage) {
	var msg signaling.SDPMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed offer", zap.Error(err))
		return
	}
	neg, err := s.negotiatorFor(msg.PeerType)
	if err != nil {
		s.log.Warn("offer for unavailable connection", zap.String("peer_type", msg.PeerType), zap.Error(err))
		return
	}
	if err := neg.HandleRemoteOffer(msg.SDP); err != nil {
		s.log.Error("failed to handle offer", zap.String("peer_type", msg.PeerType), zap.Error(err))
	}
}

func (s *Session) handleAnswer(data json.RawMessage) {
	var msg signaling.SDPMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed answer", zap.Error(err))
		return
	}
	neg, err := s.negotiatorFor(msg.PeerType)
	if err != nil {
		s.log.Warn("answer for unavailable connection", zap.String("peer_type", msg.PeerType), zap.Error(err))
		return
	}
	if err := neg.HandleRemoteAnswer(msg.SDP); err != nil {
		s.log.Error("failed to handle answer", zap.String("peer_type", msg.PeerType), zap.Error(err))
	}
}

func (s *Session) handleCandidate(data json.RawMessage) {
	var msg signaling.CandidateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed candidate", zap.Error(err))
		return
	}
	neg, err := s.negotiatorFor(msg.PeerType)
	if err != nil {
		s.log.Warn("candidate for unavailable connection", zap.String("peer_type", msg.PeerType), zap.Error(err))
		return
	}
	neg.HandleRemoteCandidate(msg.Candidate)
}

func (s *Session) handleUserJoined(data json.RawMessage) {
	var msg signaling.UserJoinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed user-joined", zap.Error(err))
		return
	}
	rtr, _ := s.collaborators()
	if rtr == nil {
		return
	}
	rtr.HandleUserJoined(s.ctx, msg)
}

func (s *Session) handleTransceiverInfo(data json.RawMessage) {
	var msg signaling.TransceiverInfoMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed transceiver-info", zap.Error(err))
		return
	}
	rtr, _ := s.collaborators()
	if rtr == nil {
		return
	}
	rtr.HandleTransceiverInfo(msg)
}

func (s *Session) handleClientDisconnected(data json.RawMessage) {
	var msg signaling.SocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed client-disconnected", zap.Error(err))
		return
	}
	rtr, screen := s.collaborators()
	if rtr == nil {
		return
	}
	rtr.HandleDisconnect(msg.SocketID)
	if screen != nil && screen.Owner() == msg.SocketID {
		screen.HandleRemoteStop()
		rtr.SetSharingOwner("")
	}
}

func (s *Session) handleStatus(event string, data json.RawMessage) {
	var msg signaling.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed status event", zap.String("event", event), zap.Error(err))
		return
	}
	rtr, _ := s.collaborators()
	if rtr == nil {
		return
	}
	rtr.HandleStatus(event, msg)
}

func (s *Session) handleStartShare(data json.RawMessage) {
	var msg signaling.SocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed start-share-screen", zap.Error(err))
		return
	}
	rtr, screen := s.collaborators()
	if rtr == nil || screen == nil {
		return
	}
	if err := screen.HandleRemoteStart(msg.SocketID); err != nil {
		s.log.Error("failed to prepare screen-share viewer", zap.Error(err))
		return
	}
	rtr.SetSharingOwner(msg.SocketID)
}

func (s *Session) handleStopShare(data json.RawMessage) {
	rtr, screen := s.collaborators()
	if rtr == nil || screen == nil {
		return
	}
	screen.HandleRemoteStop()
	rtr.SetSharingOwner("")
}

func (s *Session) handleChatMessage(data json.RawMessage) {
	var msg signaling.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed chat-message", zap.Error(err))
		return
	}
	from := msg.FirstName
	if from == "" {
		from = fmt.Sprintf("user-%d", msg.UserID)
	}
	s.chatMu.Lock()
	s.chat = append(s.chat, ChatEntry{From: from, Message: msg.Message, At: time.Now()})
	s.chatMu.Unlock()
}

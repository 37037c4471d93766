package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openmeet/meetcore/internal/rtc"
	"github.com/openmeet/meetcore/internal/signaling"
)

// SetMuted toggles the local microphone flag and announces it.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return fmt.Errorf("session not joined")
	}
	local.SetMuted(muted)
	if muted {
		return s.emitAction(signaling.ActionMuteAudio)
	}
	return s.emitAction(signaling.ActionUnmuteAudio)
}

// SetVideoOff toggles the local camera flag and announces it.
func (s *Session) SetVideoOff(off bool) error {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return fmt.Errorf("session not joined")
	}
	local.SetVideoOff(off)
	if off {
		return s.emitAction(signaling.ActionMuteVideo)
	}
	return s.emitAction(signaling.ActionUnmuteVideo)
}

// StartScreenShare acquires a screen-capture track and begins presenting
// it over the screen-share sub-session.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	screen := s.screen
	local := s.local
	s.mu.Unlock()
	if screen == nil || local == nil {
		return fmt.Errorf("session not joined")
	}
	if local.Sharing() {
		return nil
	}

	track, release, err := s.opts.Devices.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	if err := screen.StartLocal(track, release); err != nil {
		release()
		return err
	}
	local.SetSharing(true)
	return s.emitAction(signaling.ActionStartShare)
}

// StopScreenShare ends local presenting.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	screen := s.screen
	local := s.local
	s.mu.Unlock()
	if screen == nil || local == nil {
		return fmt.Errorf("session not joined")
	}
	if !local.Sharing() {
		return nil
	}
	screen.StopLocal()
	local.SetSharing(false)
	return s.emitAction(signaling.ActionStopShare)
}

// StartRecording negotiates the transient recording connection and feeds
// it the local tracks. The recording peer persists the media; nothing is
// stored here.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.factory == nil || s.sig == nil {
		return fmt.Errorf("session not joined")
	}
	if s.recording != nil {
		return nil
	}

	sig := s.sig
	conn, err := s.factory.Create(rtc.RoleRecording, rtc.Callbacks{
		OnCandidate: func(role rtc.Role, cand webrtc.ICECandidateInit) {
			s.sendCandidate(sig, role, cand)
		},
		OnFailure: s.handleConnFailure,
	})
	if err != nil {
		return err
	}

	if t := s.local.AudioTrack(); t != nil {
		if _, err := conn.PC.AddTrack(t); err != nil {
			conn.Close()
			return fmt.Errorf("failed to add audio to recording connection: %w", err)
		}
	}
	if t := s.local.VideoTrack(); t != nil {
		if _, err := conn.PC.AddTrack(t); err != nil {
			conn.Close()
			return fmt.Errorf("failed to add video to recording connection: %w", err)
		}
	}

	s.recording = conn
	s.recordingNeg = rtc.NewNegotiator(conn.PC, conn.Queue, s.sig, rtc.NegotiatorOptions{
		Role:        rtc.RoleRecording,
		MaxAttempts: s.cfg.NegotiationCap,
		RetryDelay:  s.cfg.NegotiationRetry,
		Polite:      s.cfg.Polite,
	}, s.log)

	if err := s.sig.Emit(signaling.EventRecordingPeer, nil); err != nil {
		return fmt.Errorf("failed to announce recording peer: %w", err)
	}
	if err := s.recordingNeg.Negotiate(); err != nil {
		return err
	}
	return s.sig.Emit(signaling.EventAction, signaling.ActionMessage{
		Action:   signaling.ActionStartRecording,
		SocketID: s.sig.SocketID(),
	})
}

// StopRecording closes the transient recording connection.
func (s *Session) StopRecording() error {
	s.stopRecordingConn()
	return s.emitAction(signaling.ActionStopRecording)
}

// SendChat emits a room-wide message and logs it locally.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return fmt.Errorf("not connected")
	}
	msg := signaling.ChatMessage{
		Message:   text,
		UserID:    s.opts.Identity.UserID,
		FirstName: s.opts.Identity.FirstName,
		LastName:  s.opts.Identity.LastName,
	}
	if err := sig.Emit(signaling.EventChatMessage, msg); err != nil {
		return err
	}
	s.chatMu.Lock()
	s.chat = append(s.chat, ChatEntry{From: s.opts.Identity.FirstName, Message: text, At: time.Now()})
	s.chatMu.Unlock()
	return nil
}

package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/rtc"
	"github.com/openmeet/meetcore/internal/signaling"
)

// handleConnFailure reacts to a peer connection reaching the failed
// state. Primary failure tears the whole session down and re-attempts
// after the configured delay; sub-session failures only cost their own
// connection.
func (s *Session) handleConnFailure(role rtc.Role) {
	s.log.Warn("connection failed", zap.String("role", role.String()))
	switch role {
	case rtc.RolePrimary:
		s.scheduleRejoin(fmt.Errorf("primary connection failed"))
	case rtc.RoleScreenShare:
		if _, screen := s.collaborators(); screen != nil {
			screen.Close()
		}
	case rtc.RoleRecording:
		s.stopRecordingConn()
	}
}

// scheduleRejoin tears the session down and re-joins after the rejoin
// delay. A session that has ended stays down.
func (s *Session) scheduleRejoin(cause error) {
	s.mu.Lock()
	if s.ended || s.rejoinTimer != nil {
		s.mu.Unlock()
		return
	}
	s.log.Warn("scheduling session re-join", zap.Error(cause), zap.Duration("delay", s.cfg.RejoinDelay))
	s.teardownLocked()
	s.joined = false
	s.rejoinTimer = time.AfterFunc(s.cfg.RejoinDelay, func() {
		s.mu.Lock()
		s.rejoinTimer = nil
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return
		}
		if err := s.Join(s.ctx); err != nil {
			s.fatal(err)
		}
	})
	s.mu.Unlock()
}

// fatal is the single path for terminal errors: teardown plus the
// caller-supplied notification hook. The hook fires at most once even
// when several failure paths report the same outage.
func (s *Session) fatal(err error) {
	s.log.Error("fatal session error", zap.Error(err))
	s.End()
	if s.opts.OnFatal != nil {
		s.fatalOnce.Do(func() { s.opts.OnFatal(err) })
	}
}

// End tears the session down. Idempotent: a second call is a no-op and
// emits nothing. Teardown always runs in the same order (local tracks,
// peer connections, STT socket, signaling handlers, router maps, then
// the transport); partial teardown is how duplicate-state bugs happen.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	if s.rejoinTimer != nil {
		s.rejoinTimer.Stop()
		s.rejoinTimer = nil
	}
	s.teardownLocked()
	s.cancel()
	s.log.Info("session ended", zap.String("session_id", s.id))
}

func (s *Session) teardownLocked() {
	// 1. Stop and release local tracks.
	if s.local != nil {
		s.local.Stop()
	}

	// 2. Close all peer connections.
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
	if s.primaryNeg != nil {
		s.primaryNeg.Close()
		s.primaryNeg = nil
	}
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			s.log.Warn("failed to close primary connection", zap.Error(err))
		}
		s.primary = nil
	}
	if s.screen != nil {
		s.screen.Close()
	}
	if s.recordingNeg != nil {
		s.recordingNeg.Close()
		s.recordingNeg = nil
	}
	if s.recording != nil {
		s.recording.Close()
		s.recording = nil
	}

	// 3. Close the STT socket.
	if s.trans != nil {
		if err := s.trans.Close(); err != nil {
			s.log.Warn("failed to close transcription socket", zap.Error(err))
		}
	}

	// 4. Unsubscribe all signaling handlers.
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil

	// 5. Clear queues and maps.
	if s.rtr != nil {
		s.rtr.Reset()
	}

	// 6. Disconnect the signaling transport.
	if s.sig != nil {
		if err := s.sig.Close(); err != nil {
			s.log.Warn("failed to close signaling transport", zap.Error(err))
		}
		s.sig = nil
	}
}

func (s *Session) stopRecordingConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordingNeg != nil {
		s.recordingNeg.Close()
		s.recordingNeg = nil
	}
	if s.recording != nil {
		s.recording.Close()
		s.recording = nil
	}
}

// emitAction sends the generic status-change event.
func (s *Session) emitAction(action string) error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return fmt.Errorf("not connected")
	}
	return sig.Emit(signaling.EventAction, signaling.ActionMessage{
		Action:   action,
		SocketID: sig.SocketID(),
	})
}

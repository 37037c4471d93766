package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/openmeet/meetcore/internal/config"
	"github.com/openmeet/meetcore/internal/directory"
	"github.com/openmeet/meetcore/internal/media"
	"github.com/openmeet/meetcore/internal/router"
	"github.com/openmeet/meetcore/internal/rtc"
	"github.com/openmeet/meetcore/internal/screenshare"
	"github.com/openmeet/meetcore/internal/signaling"
	"github.com/openmeet/meetcore/internal/stt"
)

// Identity is the authenticated local user, provided by the external
// auth layer.
type Identity struct {
	UserID    int64
	FirstName string
	LastName  string
	Language  string
	AllLangs  []string
}

// Options wires the session's external collaborators.
type Options struct {
	Config    *config.Config
	Identity  Identity
	Room      string
	IsOwner   bool
	Token     oauth2.TokenSource
	Devices   media.Provider
	Directory directory.Directory

	// EnginePopulate registers codecs on the factory's media engine;
	// typically the device provider's PopulateEngine.
	EnginePopulate func(*webrtc.MediaEngine) error

	// OnFatal is the single place fatal session errors surface; the UI
	// layer navigates the user out and shows a notice.
	OnFatal func(error)

	Logger *zap.Logger
}

// ChatEntry is one room message with its local arrival timestamp.
type ChatEntry struct {
	From    string
	Message string
	At      time.Time
}

// Session owns one meeting instance end to end: the signaling transport,
// the role-tagged peer connections, the track router, the screen-share
// sub-session and the transcription pipeline. Child connections never
// outlive it.
type Session struct {
	id   string
	opts Options
	cfg  *config.Config
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex

	sig     *signaling.Client
	factory *rtc.Factory

	primary    *rtc.Conn
	primaryNeg *rtc.Negotiator
	health     *rtc.HealthMonitor

	recording    *rtc.Conn
	recordingNeg *rtc.Negotiator

	screen *screenshare.Controller
	rtr    *router.Router
	trans  *stt.Transcriber
	local  *media.State

	subs []*signaling.Subscription

	chatMu sync.Mutex
	chat   []ChatEntry

	rejoinTimer *time.Timer
	joined      bool
	ended       bool

	fatalOnce sync.Once
}

// New builds a session; Join actually starts it.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("device provider cannot be nil")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     uuid.NewString(),
		opts:   opts,
		cfg:    opts.Config,
		log:    log.Named("session").With(zap.String("room", opts.Room)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Router exposes the track and participant router for rendering.
func (s *Session) Router() *router.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtr
}

// ScreenShare exposes the screen-share sub-session.
func (s *Session) ScreenShare() *screenshare.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Subtitles exposes the transcription window, nil before Join.
func (s *Session) Subtitles() *stt.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trans == nil {
		return nil
	}
	return s.trans.Subtitles()
}

// Chat returns a snapshot of the message log.
func (s *Session) Chat() []ChatEntry {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	out := make([]ChatEntry, len(s.chat))
	copy(out, s.chat)
	return out
}

// Join brings the session up: local devices, signaling transport, the
// primary connection and its negotiation, then the transcription
// pipeline. On a connection failure later, the session tears down and
// re-joins after the configured delay.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return fmt.Errorf("session already ended")
	}
	if s.joined {
		return nil
	}

	// Local devices first; permission denial degrades, never aborts.
	acq, err := s.opts.Devices.Acquire(ctx, true, true)
	if err != nil {
		return fmt.Errorf("device acquisition failed: %w", err)
	}
	s.local = media.NewState(acq)

	factory, err := rtc.NewFactory(s.cfg.STUNServers, s.opts.EnginePopulate, s.log)
	if err != nil {
		s.local.Stop()
		return err
	}
	s.factory = factory

	sig, err := signaling.Dial(ctx, signaling.DialOptions{
		URL:             s.cfg.SignalingURL,
		Token:           s.opts.Token,
		ConnectAttempts: s.cfg.ConnectAttempts,
		ConnectDelay:    s.cfg.ConnectDelay,
		AckTimeout:      s.cfg.AckTimeout,
	}, s.log)
	if err != nil {
		s.local.Stop()
		return err
	}
	s.sig = sig

	s.rtr = router.New(s.ctx, s.opts.Directory, s.cfg.STT.ChannelCap, s.log)
	s.rtr.SetLocalSocketID(sig.SocketID())

	negOpts := rtc.NegotiatorOptions{
		MaxAttempts: s.cfg.NegotiationCap,
		RetryDelay:  s.cfg.NegotiationRetry,
		Polite:      s.cfg.Polite,
	}

	s.screen = screenshare.New(factory, sig, negOpts, s.handleConnFailure, s.log)
	s.screen.SetLocalSocketID(sig.SocketID())

	if err := s.setupPrimaryLocked(negOpts); err != nil {
		sig.Close()
		s.local.Stop()
		return err
	}

	s.registerHandlersLocked()
	sig.SetOnDown(func(err error) { s.scheduleRejoin(err) })
	sig.Start()

	if err := sig.Emit(signaling.EventJoin, signaling.JoinMessage{
		Room:     s.opts.Room,
		Language: s.opts.Identity.Language,
		IsOwner:  s.opts.IsOwner,
		AudioOn:  s.local.AudioTrack() != nil && !s.local.Muted(),
		VideoOn:  s.local.VideoTrack() != nil && !s.local.VideoOff(),
	}); err != nil {
		sig.Close()
		s.local.Stop()
		return fmt.Errorf("failed to join room: %w", err)
	}

	if err := s.primaryNeg.Negotiate(); err != nil {
		s.log.Warn("initial negotiation attempt failed", zap.Error(err))
	}

	if err := s.startTranscriptionLocked(ctx); err != nil {
		// End re-acquires s.mu, so the fatal path must run off this
		// goroutine; it tears down everything set up above.
		go s.fatal(err)
		return fmt.Errorf("transcription unavailable: %w", err)
	}

	s.joined = true
	s.log.Info("session joined", zap.String("session_id", s.id))
	return nil
}

func (s *Session) setupPrimaryLocked(negOpts rtc.NegotiatorOptions) error {
	// Capture the transport: pion may deliver a late candidate callback
	// after teardown has cleared s.sig.
	sig := s.sig
	conn, err := s.factory.Create(rtc.RolePrimary, rtc.Callbacks{
		OnCandidate: func(role rtc.Role, cand webrtc.ICECandidateInit) {
			s.sendCandidate(sig, role, cand)
		},
		OnFailure: s.handleConnFailure,
		OnTrack: func(_ rtc.Role, mid string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			s.rtr.AddTrack(mid, track)
		},
		OnDataChannel: func(label string, dc *webrtc.DataChannel) {
			s.rtr.HandleDataChannel(label, dc)
		},
	})
	if err != nil {
		return err
	}

	if t := s.local.AudioTrack(); t != nil {
		if _, err := conn.PC.AddTrack(t); err != nil {
			conn.Close()
			return fmt.Errorf("failed to add local audio track: %w", err)
		}
	}
	if t := s.local.VideoTrack(); t != nil {
		if _, err := conn.PC.AddTrack(t); err != nil {
			conn.Close()
			return fmt.Errorf("failed to add local video track: %w", err)
		}
	}

	negOpts.Role = rtc.RolePrimary
	negOpts.OnExhausted = func(err error) { s.fatal(err) }
	s.primary = conn
	s.primaryNeg = rtc.NewNegotiator(conn.PC, conn.Queue, s.sig, negOpts, s.log)

	s.health = rtc.NewHealthMonitor(rtc.RolePrimary, conn.PC, s.log)
	s.health.Start(s.ctx)
	go s.logHealthWarnings(s.health)
	return nil
}

// collaborators snapshots the router and screen-share controller under
// the session lock. Event handlers run on the signaling dispatch
// goroutine and must not read the fields directly while Join writes
// them.
func (s *Session) collaborators() (*router.Router, *screenshare.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtr, s.screen
}

// sendCandidate emits one locally gathered candidate over the given
// transport. A candidate arriving after the transport closed is logged
// and dropped.
func (s *Session) sendCandidate(sig *signaling.Client, role rtc.Role, cand webrtc.ICECandidateInit) {
	if sig == nil {
		return
	}
	if err := sig.Emit(signaling.EventCandidate, signaling.CandidateMessage{
		Candidate: cand,
		PeerType:  role.String(),
	}); err != nil {
		s.log.Warn("failed to send candidate",
			zap.String("role", role.String()),
			zap.Error(err))
	}
}

func (s *Session) logHealthWarnings(h *rtc.HealthMonitor) {
	for w := range h.Warnings() {
		if w.Level == rtc.LevelCritical {
			s.log.Warn("connection quality critical",
				zap.String("issue", w.Message),
				zap.Float64("value", w.Value))
			continue
		}
		s.log.Info("connection quality degraded",
			zap.String("issue", w.Message),
			zap.Float64("value", w.Value))
	}
}

func (s *Session) startTranscriptionLocked(ctx context.Context) error {
	src := s.local.Samples()
	if src == nil || s.cfg.STT.URL == "" {
		s.log.Info("transcription disabled",
			zap.Bool("have_microphone", src != nil))
		return nil
	}

	speaker := s.opts.Identity.FirstName
	s.trans = stt.NewTranscriber(
		s.cfg.STT,
		fmt.Sprintf("%d", s.opts.Identity.UserID),
		speaker,
		s.opts.Identity.Language,
		s.opts.Identity.AllLangs,
		func(err error) { s.fatal(err) },
		s.log,
	)
	if err := s.trans.Connect(ctx); err != nil {
		// Transcription outage at join time is fatal by policy: the user
		// asked for captions they cannot get.
		s.log.Error("transcription connect failed", zap.Error(err))
		return err
	}
	go func() {
		if err := s.trans.Stream(s.ctx, src); err != nil && s.ctx.Err() == nil {
			s.log.Warn("transcription stream ended", zap.Error(err))
		}
	}()
	return nil
}

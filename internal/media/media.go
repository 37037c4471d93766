package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/openmeet/meetcore/internal/stt"
)

// Acquisition is the outcome of a device grab. Either track may be nil
// when the matching permission was denied or the device is missing; the
// per-kind error says why. Samples taps the microphone PCM for the
// transcription pipeline and is nil without audio.
type Acquisition struct {
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal
	Samples    stt.SampleSource

	AudioErr error
	VideoErr error

	// Release stops the underlying device tracks.
	Release func()
}

// Provider acquires local capture devices. The platform implementation
// lives in this package; tests inject stubs.
type Provider interface {
	Acquire(ctx context.Context, wantAudio, wantVideo bool) (*Acquisition, error)
	AcquireScreen(ctx context.Context) (webrtc.TrackLocal, func(), error)
}

// State is the local participant's media: the owned tracks and the
// mute/video/share flags. Only the local user's own actions mutate it.
type State struct {
	mu sync.Mutex

	audio   webrtc.TrackLocal
	video   webrtc.TrackLocal
	samples stt.SampleSource
	release func()

	muted    bool
	videoOff bool
	sharing  bool

	stopped bool
}

// NewState adopts an acquisition. Absent tracks are fine; the session
// degrades to whatever was granted.
func NewState(acq *Acquisition) *State {
	s := &State{}
	if acq != nil {
		s.audio = acq.AudioTrack
		s.video = acq.VideoTrack
		s.samples = acq.Samples
		s.release = acq.Release
	}
	return s
}

func (s *State) AudioTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *State) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *State) Samples() stt.SampleSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *State) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *State) SetMuted(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = v
}

func (s *State) VideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

func (s *State) SetVideoOff(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = v
}

func (s *State) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

func (s *State) SetSharing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharing = v
}

// Stop releases the device tracks. Idempotent.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.release != nil {
		s.release()
	}
	s.audio = nil
	s.video = nil
	s.samples = nil
}

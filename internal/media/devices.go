package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapter

	"github.com/openmeet/meetcore/internal/stt"
)

// DeviceProvider acquires camera, microphone and screen tracks through
// pion/mediadevices.
type DeviceProvider struct {
	selector   *mediadevices.CodecSelector
	sourceRate int
	log        *zap.Logger
}

// NewDeviceProvider prepares VP8 and Opus encoder parameters and the
// codec selector shared by all acquisitions. sourceRate is the PCM rate
// the transcription pipeline expects from the microphone tap.
func NewDeviceProvider(sourceRate int, log *zap.Logger) (*DeviceProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceProvider{
		selector:   selector,
		sourceRate: sourceRate,
		log:        log.Named("devices"),
	}, nil
}

// PopulateEngine registers the selected codecs with a media engine. The
// connection factory calls this before building its API.
func (p *DeviceProvider) PopulateEngine(me *webrtc.MediaEngine) error {
	if err := me.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("failed to register default codecs: %w", err)
	}
	p.selector.Populate(me)
	return nil
}

// Acquire grabs whichever of microphone/camera the platform grants.
// Permission denial on one kind degrades to the other; denial on both
// yields an empty acquisition, not an error, so the user can still
// observe the meeting.
func (p *DeviceProvider) Acquire(_ context.Context, wantAudio, wantVideo bool) (*Acquisition, error) {
	acq := &Acquisition{}

	var stream mediadevices.MediaStream
	var err error

	if wantAudio && wantVideo {
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: p.audioConstraints,
			Video: p.videoConstraints,
			Codec: p.selector,
		})
		if err != nil {
			p.log.Warn("audio+video acquisition failed, degrading", zap.Error(err))
			acq.VideoErr = err
			wantVideo = false
			stream = nil
		}
	}
	if stream == nil && wantAudio {
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: p.audioConstraints,
			Codec: p.selector,
		})
		if err != nil {
			p.log.Warn("audio acquisition failed", zap.Error(err))
			acq.AudioErr = err
			stream = nil
		}
	}
	if stream == nil && wantVideo {
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: p.videoConstraints,
			Codec: p.selector,
		})
		if err != nil {
			p.log.Warn("video acquisition failed", zap.Error(err))
			acq.VideoErr = err
			stream = nil
		}
	}
	if stream == nil {
		// Null local stream: receive-only participation.
		return acq, nil
	}

	tracks := stream.GetTracks()
	acq.Release = func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	if ats := stream.GetAudioTracks(); len(ats) > 0 {
		acq.AudioTrack = ats[0]
		src, serr := newTrackSampleSource(ats[0])
		if serr != nil {
			p.log.Warn("microphone PCM tap unavailable", zap.Error(serr))
		} else {
			acq.Samples = src
		}
	}
	if vts := stream.GetVideoTracks(); len(vts) > 0 {
		acq.VideoTrack = vts[0]
	}
	return acq, nil
}

// AcquireScreen grabs a display-capture video track for presenting.
func (p *DeviceProvider) AcquireScreen(_ context.Context) (webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: p.selector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire screen capture: %w", err)
	}
	vts := stream.GetVideoTracks()
	if len(vts) == 0 {
		return nil, nil, fmt.Errorf("screen capture produced no video track")
	}
	track := vts[0]
	return track, func() { track.Close() }, nil
}

func (p *DeviceProvider) videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.Width = prop.Int(640)
	c.Height = prop.Int(480)
	c.FrameRate = prop.Float(30)
	c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
}

func (p *DeviceProvider) audioConstraints(c *mediadevices.MediaTrackConstraints) {
	c.SampleRate = prop.Int(p.sourceRate)
	c.ChannelCount = prop.Int(1)
	c.IsInterleaved = prop.BoolExact(true)
	c.Latency = prop.Duration(20 * time.Millisecond)
}

// newTrackSampleSource taps raw PCM off a mediadevices audio track.
func newTrackSampleSource(t mediadevices.Track) (stt.SampleSource, error) {
	at, ok := t.(*mediadevices.AudioTrack)
	if !ok {
		return nil, fmt.Errorf("track %T is not an audio track", t)
	}
	return &trackSampleSource{reader: at.NewReader(false)}, nil
}

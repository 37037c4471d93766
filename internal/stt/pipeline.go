package stt

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openmeet/meetcore/internal/config"
)

// ErrTranscriberUnavailable is raised once the transcription socket's
// reconnect budget is exhausted. It is fatal for the session.
var ErrTranscriberUnavailable = errors.New("transcription service unavailable")

// SampleSource yields chunks of float32 PCM at the configured source rate.
type SampleSource interface {
	ReadChunk(ctx context.Context) ([]float32, error)
}

// helloPacket is sent once per (re)connect to configure the service.
type helloPacket struct {
	UID      string `json:"uid"`
	Language string `json:"language"`
	Task     string `json:"task"`
	Model    string `json:"model"`
	UseVAD   bool   `json:"use_vad"`
}

// audioPacket carries one batch of resampled, base64-encoded PCM.
type audioPacket struct {
	SpeakerLang string   `json:"speakerLang"`
	AllLangs    []string `json:"allLangs"`
	Audio       string   `json:"audio"`
}

// transcriptionResult is what the service sends back.
type transcriptionResult struct {
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

// Transcriber streams microphone PCM to the transcription service over a
// socket of its own, separate from the main signaling transport, and
// collects results into a bounded subtitle window.
type Transcriber struct {
	cfg      config.STTConfig
	uid      string
	speaker  string
	language string
	allLangs []string

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	collectMu sync.Mutex
	collector [][]float32

	window  *Window
	onFatal func(error)

	closeOnce sync.Once
	closed    chan struct{}

	log *zap.Logger
}

// NewTranscriber builds the pipeline. onFatal is invoked at most once,
// when the reconnect budget runs out; the lifecycle controller is
// expected to exit the session in response.
func NewTranscriber(cfg config.STTConfig, uid, speaker, language string, allLangs []string, onFatal func(error), log *zap.Logger) *Transcriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transcriber{
		cfg:      cfg,
		uid:      uid,
		speaker:  speaker,
		language: language,
		allLangs: allLangs,
		window:   NewWindow(cfg.SubtitleCap),
		onFatal:  onFatal,
		closed:   make(chan struct{}),
		log:      log.Named("stt"),
	}
}

// Subtitles exposes the sliding window of transcription results.
func (t *Transcriber) Subtitles() *Window { return t.window }

// Connect dials the transcription socket with the bounded retry budget
// and starts the read loop. Retries are immediate; the budget, not a
// delay, bounds them.
func (t *Transcriber) Connect(ctx context.Context) error {
	if err := t.dial(ctx); err != nil {
		return err
	}
	go t.readLoop(ctx)
	return nil
}

func (t *Transcriber) dial(ctx context.Context) error {
	attempts := t.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	remaining := attempts

	connect := func() (*websocket.Conn, error) {
		remaining--
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("stt dial failed: %w", err)
		}
		hello := helloPacket{
			UID:      t.uid,
			Language: t.language,
			Task:     "transcribe",
			Model:    t.cfg.Model,
			UseVAD:   true,
		}
		if err := conn.WriteJSON(hello); err != nil {
			conn.Close()
			return nil, fmt.Errorf("stt hello failed: %w", err)
		}
		return conn, nil
	}

	notify := func(err error, _ time.Duration) {
		t.log.Warn("stt connect failed, retrying",
			zap.Int("attempts_remaining", remaining),
			zap.Error(err))
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)),
		ctx)

	conn, err := backoff.RetryNotifyWithData(connect, bo, notify)
	if err != nil {
		t.log.Error("stt connect attempts exhausted", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTranscriberUnavailable, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.log.Info("stt socket connected", zap.String("url", t.cfg.URL))
	return nil
}

func (t *Transcriber) readLoop(ctx context.Context) {
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return
		}

		var res transcriptionResult
		if err := conn.ReadJSON(&res); err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.Warn("stt socket closed, reconnecting", zap.Error(err))
			if derr := t.dial(ctx); derr != nil {
				if t.onFatal != nil {
					t.onFatal(derr)
				}
				return
			}
			continue
		}

		for _, seg := range res.Segments {
			if seg.Text == "" {
				continue
			}
			t.window.Push(SubtitleEntry{Speaker: t.speaker, Text: seg.Text})
		}
	}
}

// PushChunk resamples one chunk of source-rate PCM and batches it. Once
// the configured number of chunks has collected, exactly one packet is
// encoded and sent, and the collector is cleared.
func (t *Transcriber) PushChunk(samples []float32) error {
	resampled := Resample(samples, t.cfg.SourceRate, t.cfg.TargetRate)

	t.collectMu.Lock()
	t.collector = append(t.collector, resampled)
	if len(t.collector) < t.cfg.BatchChunks {
		t.collectMu.Unlock()
		return nil
	}
	batch := t.collector
	t.collector = nil
	t.collectMu.Unlock()

	return t.sendBatch(batch)
}

// PendingChunks reports how many chunks are waiting for a full batch.
func (t *Transcriber) PendingChunks() int {
	t.collectMu.Lock()
	defer t.collectMu.Unlock()
	return len(t.collector)
}

func (t *Transcriber) sendBatch(batch [][]float32) error {
	var total int
	for _, c := range batch {
		total += len(c)
	}
	buf := make([]byte, 0, total*4)
	scratch := make([]byte, 4)
	for _, chunk := range batch {
		for _, s := range chunk {
			binary.LittleEndian.PutUint32(scratch, math.Float32bits(s))
			buf = append(buf, scratch...)
		}
	}

	pkt := audioPacket{
		SpeakerLang: t.language,
		AllLangs:    t.allLangs,
		Audio:       base64.StdEncoding.EncodeToString(buf),
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("stt socket not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(pkt); err != nil {
		return fmt.Errorf("failed to send audio packet: %w", err)
	}
	return nil
}

// Stream pumps chunks from the source until it ends or the context is
// cancelled. Per-chunk send failures are logged and skipped; the stream
// only stops on source exhaustion.
func (t *Transcriber) Stream(ctx context.Context, src SampleSource) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}

		chunk, err := src.ReadChunk(ctx)
		if err != nil {
			return fmt.Errorf("sample source ended: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		if err := t.PushChunk(chunk); err != nil {
			t.log.Warn("failed to push audio chunk", zap.Error(err))
		}
	}
}

// Close shuts the socket down. Safe to call more than once.
func (t *Transcriber) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.connMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()
		t.collectMu.Lock()
		t.collector = nil
		t.collectMu.Unlock()
	})
	return err
}

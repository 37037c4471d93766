package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// trackSampleSource adapts a mediadevices audio reader into the float32
// chunk stream the transcription pipeline consumes. Multi-channel input
// is reduced to channel zero.
type trackSampleSource struct {
	reader audio.Reader
}

func (s *trackSampleSource) ReadChunk(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunk, release, err := s.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read audio chunk: %w", err)
	}
	if release != nil {
		defer release()
	}

	switch b := chunk.(type) {
	case *wave.Float32Interleaved:
		n := b.Size.Len
		ch := b.Size.Channels
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = b.Data[i*ch]
		}
		return out, nil
	case *wave.Int16Interleaved:
		n := b.Size.Len
		ch := b.Size.Channels
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32(b.Data[i*ch]) / 32768
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported audio chunk format %T", chunk)
	}
}

package stt

import (
	"math"
	"testing"
)

func TestResampleLength(t *testing.T) {
	cases := []struct {
		name    string
		srcLen  int
		srcRate int
		dstRate int
	}{
		{"downsample 44.1k to 16k", 4410, 44100, 16000},
		{"downsample odd length", 1023, 44100, 16000},
		{"upsample 16k to 44.1k", 1600, 16000, 44100},
		{"single sample", 1, 44100, 16000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := make([]float32, tc.srcLen)
			out := Resample(src, tc.srcRate, tc.dstRate)

			want := int(math.Round(float64(tc.srcLen) * float64(tc.dstRate) / float64(tc.srcRate)))
			if want < 1 {
				want = 1
			}
			if len(out) != want {
				t.Fatalf("output length = %d, want %d", len(out), want)
			}
		})
	}
}

func TestResamplePreservesEndpoints(t *testing.T) {
	src := make([]float32, 441)
	for i := range src {
		src[i] = float32(math.Sin(2 * math.Pi * float64(i) / 100))
	}
	src[0] = 0.25
	src[len(src)-1] = -0.75

	out := Resample(src, 44100, 16000)
	if out[0] != src[0] {
		t.Fatalf("first sample = %f, want %f", out[0], src[0])
	}
	if out[len(out)-1] != src[len(src)-1] {
		t.Fatalf("last sample = %f, want %f", out[len(out)-1], src[len(src)-1])
	}
}

func TestResampleConstantSignal(t *testing.T) {
	src := make([]float32, 882)
	for i := range src {
		src[i] = 0.5
	}

	// Linear interpolation of a constant is the constant, regardless of
	// where the interpolation points land.
	out := Resample(src, 44100, 16000)
	for i, s := range out {
		if math.Abs(float64(s)-0.5) > 1e-6 {
			t.Fatalf("sample %d = %f, want 0.5", i, s)
		}
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	src := []float32{0.1, 0.2, 0.3}
	out := Resample(src, 16000, 16000)
	if len(out) != len(src) {
		t.Fatalf("length changed: %d", len(out))
	}
	out[0] = 9
	if src[0] != 0.1 {
		t.Fatal("resample aliased the input slice")
	}
}

func TestResampleEmptyInput(t *testing.T) {
	if out := Resample(nil, 44100, 16000); out != nil {
		t.Fatalf("expected nil for empty input, got %v", out)
	}
}

package stt

import "math"

// Resample converts PCM samples between rates using linear interpolation.
// Output length is round(len(src) * dstRate/srcRate); the first and last
// output samples equal the first and last input samples.
func Resample(src []float32, srcRate, dstRate int) []float32 {
	if len(src) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	dstLen := int(math.Round(float64(len(src)) * float64(dstRate) / float64(srcRate)))
	if dstLen < 1 {
		dstLen = 1
	}
	out := make([]float32, dstLen)
	if dstLen == 1 {
		out[0] = src[0]
		return out
	}

	factor := float64(len(src)-1) / float64(dstLen-1)
	for i := range out {
		pos := float64(i) * factor
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if hi > len(src)-1 {
			hi = len(src) - 1
		}
		frac := float32(pos - float64(lo))
		out[i] = src[lo] + frac*(src[hi]-src[lo])
	}
	return out
}

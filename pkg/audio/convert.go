package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxGain is the upper bound applied by [ClampGain].
const MaxGain = 3.0

// ClampGain limits g to [0, MaxGain]. NaN becomes 1.
func ClampGain(g float64) float64 {
	switch {
	case math.IsNaN(g):
		return 1
	case g < 0:
		return 0
	case g > MaxGain:
		return MaxGain
	}
	return g
}

// Downmix averages interleaved float32 samples with the given channel count
// into a mono slice. Mono input is returned unchanged. A trailing partial
// frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		base := i * channels
		for c := range channels {
			sum += samples[base+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a continuous mono float32 signal between sample rates
// using linear interpolation. It keeps the last input sample between calls so
// chunk boundaries do not produce discontinuities.
//
// A Resampler belongs to one stream; it is not safe for concurrent use.
type Resampler struct {
	ratio  float64
	pos    float64
	prev   float32
	primed bool
}

// NewResampler returns a resampler from srcRate to dstRate. Non-positive
// rates yield a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	ratio := 1.0
	if srcRate > 0 && dstRate > 0 {
		ratio = float64(srcRate) / float64(dstRate)
	}
	return &Resampler{ratio: ratio}
}

// Process resamples the next chunk of input. The returned slice may be
// shorter or longer than in depending on the ratio and the carried phase.
func (r *Resampler) Process(in []float32) []float32 {
	if r.ratio == 1 || len(in) == 0 {
		return in
	}

	buf := in
	if r.primed {
		buf = make([]float32, 0, len(in)+1)
		buf = append(buf, r.prev)
		buf = append(buf, in...)
	}
	r.primed = true

	out := make([]float32, 0, int(float64(len(in))/r.ratio)+1)
	for {
		idx := int(r.pos)
		if idx+1 >= len(buf) {
			break
		}
		frac := float32(r.pos - float64(idx))
		out = append(out, buf[idx]*(1-frac)+buf[idx+1]*frac)
		r.pos += r.ratio
	}

	// Re-base so that the last input sample becomes index 0 of the next call.
	r.pos -= float64(len(buf) - 1)
	r.prev = buf[len(buf)-1]
	return out
}

// QuantizeSample applies gain, clips to [-1, 1] and scales to the signed
// 16-bit range with round-to-nearest.
func QuantizeSample(v float32, gain float64) int16 {
	x := float64(v) * gain
	switch {
	case math.IsNaN(x):
		return 0
	case x > 1:
		x = 1
	case x < -1:
		x = -1
	}
	return int16(math.Round(x * math.MaxInt16))
}

// Quantize converts mono float32 samples into little-endian int16 PCM bytes
// after applying gain.
func Quantize(samples []float32, gain float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(s, gain)))
	}
	return out
}

// Int16ToFloat32 scales signed 16-bit samples into [-1, 1].
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples. A trailing
// partial sample is ignored.
func DecodeFloat32LE(b []byte, dst []float32) int {
	n := min(len(b)/4, len(dst))
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return n
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

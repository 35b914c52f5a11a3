package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/orbit/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestQuantizeSample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     float32
		gain   float64
		want   int16
		orWant int16
	}{
		{name: "half scale unity gain", in: 0.5, gain: 1, want: 16384, orWant: 16383},
		{name: "clips positive instead of overflowing", in: 0.6, gain: 2, want: 32767, orWant: 32767},
		{name: "clips negative", in: -0.9, gain: 3, want: -32767, orWant: -32767},
		{name: "silence", in: 0, gain: 2, want: 0, orWant: 0},
		{name: "full scale", in: 1, gain: 1, want: 32767, orWant: 32767},
		{name: "zero gain mutes", in: 0.8, gain: 0, want: 0, orWant: 0},
		{name: "nan is silence", in: float32(math.NaN()), gain: 1, want: 0, orWant: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.QuantizeSample(tc.in, tc.gain)
			if got != tc.want && got != tc.orWant {
				t.Errorf("QuantizeSample(%v, %v) = %d; want %d", tc.in, tc.gain, got, tc.want)
			}
		})
	}
}

func TestQuantize_LittleEndian(t *testing.T) {
	t.Parallel()
	pcm := audio.Quantize([]float32{1, -1, 0}, 1)
	if len(pcm) != 6 {
		t.Fatalf("len = %d; want 6", len(pcm))
	}
	// 32767 = 0x7FFF → FF 7F
	if pcm[0] != 0xFF || pcm[1] != 0x7F {
		t.Errorf("first sample bytes = %x %x; want ff 7f", pcm[0], pcm[1])
	}
	got := bytesToSamples(pcm)
	want := []int16{32767, -32767, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], want[i])
		}
	}
}

func TestClampGain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{1.5, 1.5},
		{3, 3},
		{7, audio.MaxGain},
		{math.NaN(), 1},
	}
	for _, tc := range tests {
		if got := audio.ClampGain(tc.in); got != tc.want {
			t.Errorf("ClampGain(%v) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()

	got := audio.Downmix([]float32{0.2, 0.4, -1, 1, 0.5}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d (trailing partial frame must be dropped)", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v; want %v", i, got[i], want[i])
		}
	}

	mono := []float32{0.1, 0.2}
	if out := audio.Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResampler_RatioAcrossChunks(t *testing.T) {
	t.Parallel()

	r := audio.NewResampler(48000, 16000)
	total := 0
	for range 10 {
		chunk := make([]float32, 480)
		total += len(r.Process(chunk))
	}
	// 4800 input samples at 3:1 → ~1600 output samples.
	if total < 1598 || total > 1601 {
		t.Errorf("resampled %d samples; want ~1600", total)
	}
}

func TestResampler_ContinuousRamp(t *testing.T) {
	t.Parallel()

	// A linear ramp resampled in uneven chunks must stay monotonic: a phase
	// error at a chunk boundary would show up as a step backwards.
	r := audio.NewResampler(44100, 16000)
	var out []float32
	val := float32(0)
	for _, n := range []int{100, 37, 512, 3, 250} {
		chunk := make([]float32, n)
		for i := range chunk {
			chunk[i] = val
			val += 0.0001
		}
		out = append(out, r.Process(chunk)...)
	}
	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("sample %d = %v < previous %v", i, out[i], out[i-1])
		}
	}
}

func TestResampler_PassThrough(t *testing.T) {
	t.Parallel()
	r := audio.NewResampler(16000, 16000)
	in := []float32{0.1, 0.2, 0.3}
	if got := r.Process(in); len(got) != 3 {
		t.Errorf("len = %d; want 3", len(got))
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 320) // 160 samples at 16 kHz = 10 ms
	got := audio.ResampleMono16(pcm, 16000, 24000)
	if len(got) != 480 {
		t.Errorf("len = %d; want 480 (240 samples)", len(got))
	}
	if same := audio.ResampleMono16(pcm, 16000, 16000); len(same) != len(pcm) {
		t.Errorf("same-rate resample changed length")
	}
}

func TestInt16ToFloat32(t *testing.T) {
	t.Parallel()
	got := audio.Int16ToFloat32([]int16{0, -32768, 16384})
	want := []float32{0, -1, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	t.Parallel()
	b := make([]byte, 10)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(-0.5))
	dst := make([]float32, 4)
	n := audio.DecodeFloat32LE(b, dst)
	if n != 2 {
		t.Fatalf("n = %d; want 2", n)
	}
	if dst[0] != 0.25 || dst[1] != -0.5 {
		t.Errorf("decoded %v", dst[:n])
	}
}

func TestFrame_PCMRoundTrip(t *testing.T) {
	t.Parallel()
	raw := audio.Quantize([]float32{0.5, -0.5}, 1)
	f := audio.Frame{Seq: 3, Data: base64.StdEncoding.EncodeToString(raw), Samples: 2}
	got, err := f.PCM()
	if err != nil {
		t.Fatalf("PCM: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("PCM bytes differ")
	}
	if f.MIMEType() != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", f.MIMEType())
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String = %q", got)
	}
}

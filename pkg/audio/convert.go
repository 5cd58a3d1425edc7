package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of 16-bit PCM data.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter converts 16-bit PCM to the pipeline's 16 kHz mono format.
// It logs a warning on the first mismatch it sees. Create one per input; not
// designed for shared use across goroutines.
type FormatConverter struct {
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// ToMono16k converts pcm in format src to 16 kHz mono 16-bit PCM. Input that
// already matches is returned unchanged (zero allocation). Channels are mixed
// down before resampling so the resampler only sees one channel.
func (c *FormatConverter) ToMono16k(pcm []byte, src Format) []byte {
	if src.Channels <= 0 {
		src.Channels = 1
	}
	if len(pcm)%(2*src.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: truncating partial trailing frame",
				"bytes", len(pcm),
				"channels", src.Channels,
			)
		})
		pcm = pcm[:len(pcm)-len(pcm)%(2*src.Channels)]
	}

	if src.SampleRate == SampleRate && src.Channels == 1 {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(SampleRate, 1),
		)
	})

	switch src.Channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		pcm = DownmixPCM16(pcm, src.Channels)
	}
	if src.SampleRate != SampleRate {
		pcm = ResampleMono16(pcm, src.SampleRate, SampleRate)
	}
	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((lSample + rSample) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// DownmixPCM16 averages every interleaved frame of an n-channel 16-bit PCM
// buffer into one mono sample.
func DownmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		avg := clamp16(sum / int32(channels))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
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

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// EncodePCM16 converts normalised float32 samples to 16-bit little-endian PCM,
// clamping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := clamp16(int32(s * 32768))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
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

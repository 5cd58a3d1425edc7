package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// ErrUnsupportedWAV is returned by [ReadWAV] for input that is not a
// canonical 16-bit PCM WAV stream.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav stream")

// ReadWAV reads a canonical 44-byte-header WAV stream and returns the samples
// as a 16 kHz mono [Waveform]. Input in another rate or channel layout is
// converted with a [FormatConverter]. Only 16-bit PCM is accepted.
func ReadWAV(r io.Reader) (Waveform, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: read wav: %w", err)
	}
	if len(data) < wavHeaderSize {
		return Waveform{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrUnsupportedWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Waveform{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrUnsupportedWAV)
	}

	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	bits := int(binary.LittleEndian.Uint16(data[34:36]))
	if bits != bitsPerSample {
		return Waveform{}, fmt.Errorf("%w: %d bits per sample, want %d", ErrUnsupportedWAV, bits, bitsPerSample)
	}
	if rate <= 0 || channels <= 0 {
		return Waveform{}, fmt.Errorf("%w: rate %d channels %d", ErrUnsupportedWAV, rate, channels)
	}

	var conv FormatConverter
	pcm := conv.ToMono16k(data[wavHeaderSize:], Format{SampleRate: rate, Channels: channels})
	return NewWaveform(DecodePCM16(pcm)), nil
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WriteWAV encodes a mono waveform as 16-bit PCM WAV.
func WriteWAV(w io.Writer, wf Waveform) error {
	rate := wf.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	if _, err := w.Write(EncodeWAV(EncodePCM16(wf.Samples), rate, 1)); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	return nil
}

package entities

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// AudioFrame is a fixed-length block of PCM16 samples captured on the edge.
// Frames are immutable once produced.
type AudioFrame struct {
	Seq        uint64  `json:"seq"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	PCM        []int16 `json:"-"`
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := int64(len(f.PCM) / f.Channels)
	return time.Duration(samples * int64(time.Second) / int64(f.SampleRate))
}

// Energy returns the RMS level of the frame normalized to [0, 1].
func (f AudioFrame) Energy() float64 {
	if len(f.PCM) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.PCM {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f.PCM)))
}

// Bytes encodes the samples as little endian PCM16.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.PCM)*2)
	for i, s := range f.PCM {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FrameFromBytes decodes little endian PCM16 into a frame.
func FrameFromBytes(seq uint64, sampleRate, channels int, data []byte) (AudioFrame, error) {
	if len(data)%2 != 0 {
		return AudioFrame{}, errors.New("pcm16 payload must have an even length")
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return AudioFrame{
		Seq:        seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
	}, nil
}

// WakeEvent is produced when a wake-word model crosses its trigger threshold.
type WakeEvent struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

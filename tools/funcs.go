package tools

import (
	"encoding/binary"
	"time"
)

// Opus frames are at most 120ms.
const maxOpusFrame = 120 * time.Millisecond

// FrameSamples is the number of interleaved samples covering duration.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCM16Size is the byte length of duration worth of 16-bit PCM.
func PCM16Size(duration time.Duration, rate, channels int) int {
	return FrameSamples(duration, rate, channels) * 2
}

// PCM16Bytes serialises samples as signed 16-bit little endian.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

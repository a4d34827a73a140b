package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// EncodeChunk converts one block of float32 samples in [-1, 1] to 16-bit
// little-endian PCM and base64-encodes it for the wire.
func EncodeChunk(samples []float32) string {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s*0x7fff)))
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeChunk reverses EncodeChunk: base64 16-bit PCM back to float32 samples.
func DecodeChunk(chunk string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio chunk not 16-bit aligned")
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples, nil
}

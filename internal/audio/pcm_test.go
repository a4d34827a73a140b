package audio

import (
	"encoding/base64"
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 0.999, -0.999}
	decoded, err := DecodeChunk(EncodeChunk(samples))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("len = %d, want %d", len(decoded), len(samples))
	}
	for i, want := range samples {
		if diff := math.Abs(float64(decoded[i] - want)); diff > 2.0/32768 {
			t.Fatalf("sample %d = %v, want %v", i, decoded[i], want)
		}
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	decoded, err := DecodeChunk(EncodeChunk([]float32{2.5, -3}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[0] < 0.99 || decoded[1] > -0.99 {
		t.Fatalf("clamp failed: %v", decoded)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := DecodeChunk("not base64!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := DecodeChunk(odd); err == nil {
		t.Fatalf("expected alignment error")
	}
}

package sink

import "context"

// Sink consumes playable PCM, mono float32.
type Sink interface {
	Write(ctx context.Context, samples []float32) error
	Close() error
}

// Encoder persists one finished utterance to disk.
type Encoder interface {
	Encode(ctx context.Context, path string, samples []float32, sampleRate int) error
}

// Scale applies an integer percentage volume, 100 meaning unity. The input
// slice is never modified.
func Scale(samples []float32, volume int) []float32 {
	if volume == 100 {
		return samples
	}
	factor := float32(volume) / 100
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * factor
	}
	return out
}

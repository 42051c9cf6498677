package synth

import "context"

// Request contains parameters to synthesize one span of text.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Chunk carries mono float32 samples as the model emits them.
type Chunk struct {
	Samples    []float32
	SampleRate int
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations stream
// chunks in order and close both channels when the request is finished.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

package synth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Mock synthesizes deterministic silence-like audio sized by the input text.
// Tests script failures through FailSubstring and inspect Calls.
type Mock struct {
	SampleRate     int
	SamplesPerChar int
	ChunkSamples   int
	FailSubstring  string

	mu    sync.Mutex
	calls []Request
}

func NewMock(sampleRate int) *Mock {
	return &Mock{
		SampleRate:     sampleRate,
		SamplesPerChar: 80,
		ChunkSamples:   2400,
	}
}

func (m *Mock) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if m.FailSubstring != "" && strings.Contains(req.Text, m.FailSubstring) {
			errs <- fmt.Errorf("mock synthesis refused %q", req.Text)
			return
		}

		total := m.SamplesPerChar * utf8.RuneCountInString(req.Text)
		if total == 0 {
			total = m.SamplesPerChar
		}
		fill := float32(len(req.Voice)%7) / 10
		for emitted := 0; emitted < total; {
			n := m.ChunkSamples
			if rem := total - emitted; rem < n {
				n = rem
			}
			samples := make([]float32, n)
			for i := range samples {
				samples[i] = fill
			}
			emitted += n
			select {
			case chunks <- Chunk{Samples: samples, SampleRate: m.SampleRate, Final: emitted == total}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// CallCount reports how many synthesis requests reached the mock.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the observed requests.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

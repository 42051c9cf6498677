package sink

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// MockSink records everything written to it. Tests that need to observe
// playback mid-task set Entered and Gate: each write first announces itself
// on Entered, then blocks until the test ticks Gate. Receiving from Entered
// therefore proves the player is parked inside a write. FailAt makes writes
// fail from the n-th on, counting from 1.
type MockSink struct {
	Entered chan struct{}
	Gate    chan struct{}
	FailAt  int

	mu      sync.Mutex
	samples []float32
	writes  int
	closed  bool
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Write(ctx context.Context, samples []float32) error {
	if m.Entered != nil {
		select {
		case m.Entered <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.FailAt > 0 && m.writes >= m.FailAt {
		return fmt.Errorf("mock sink failure at write %d", m.writes)
	}
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSink) Samples() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float32, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *MockSink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockEncoder writes raw little-endian float32 frames to the target path so
// artifact flows produce real files without an external encoder.
type MockEncoder struct {
	Fail error

	mu      sync.Mutex
	encoded []string
}

func NewMockEncoder() *MockEncoder {
	return &MockEncoder{}
}

func (m *MockEncoder) Encode(ctx context.Context, path string, samples []float32, sampleRate int) error {
	if m.Fail != nil {
		return m.Fail
	}
	if err := os.WriteFile(path, pcmBytes(samples), 0o644); err != nil {
		return err
	}
	m.mu.Lock()
	m.encoded = append(m.encoded, path)
	m.mu.Unlock()
	return nil
}

func (m *MockEncoder) Encoded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.encoded))
	copy(out, m.encoded)
	return out
}

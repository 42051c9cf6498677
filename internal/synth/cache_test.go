package synth

import (
	"context"
	"testing"
)

func drain(t *testing.T, s Synthesizer, req Request) ([]float32, error) {
	t.Helper()
	chunks, errs := s.Synthesize(context.Background(), req)
	var samples []float32
	var firstErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			samples = append(samples, chunk.Samples...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return samples, firstErr
}

func TestCachedSynthHitsSkipModel(t *testing.T) {
	mock := NewMock(24000)
	cached := NewCached(mock, 8)
	req := Request{Text: "cache me twice", Voice: "af_heart", Speed: 1.0}

	first, err := drain(t, cached, req)
	if err != nil {
		t.Fatalf("first synthesis failed: %v", err)
	}
	second, err := drain(t, cached, req)
	if err != nil {
		t.Fatalf("second synthesis failed: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("expected 1 model call, got %d", mock.CallCount())
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("cached audio differs: %d vs %d samples", len(first), len(second))
	}
}

func TestCachedSynthKeyIncludesVoiceAndSpeed(t *testing.T) {
	mock := NewMock(24000)
	cached := NewCached(mock, 8)

	if _, err := drain(t, cached, Request{Text: "hi", Voice: "af_heart", Speed: 1.0}); err != nil {
		t.Fatalf("synthesis failed: %v", err)
	}
	if _, err := drain(t, cached, Request{Text: "hi", Voice: "af_sky", Speed: 1.0}); err != nil {
		t.Fatalf("synthesis failed: %v", err)
	}
	if _, err := drain(t, cached, Request{Text: "hi", Voice: "af_sky", Speed: 1.5}); err != nil {
		t.Fatalf("synthesis failed: %v", err)
	}
	if mock.CallCount() != 3 {
		t.Fatalf("expected 3 distinct model calls, got %d", mock.CallCount())
	}
}

func TestCachedSynthDoesNotCacheFailures(t *testing.T) {
	mock := NewMock(24000)
	mock.FailSubstring = "boom"
	cached := NewCached(mock, 8)
	req := Request{Text: "boom town", Voice: "af_heart", Speed: 1.0}

	if _, err := drain(t, cached, req); err == nil {
		t.Fatal("expected scripted failure")
	}
	mock.FailSubstring = ""
	if _, err := drain(t, cached, req); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if mock.CallCount() != 2 {
		t.Fatalf("failure should not be cached, got %d calls", mock.CallCount())
	}
}

func TestNewCachedDisabled(t *testing.T) {
	mock := NewMock(24000)
	if s := NewCached(mock, 0); s != Synthesizer(mock) {
		t.Fatal("size 0 should return the inner synthesizer")
	}
}

func TestMockEmitsBoundedChunks(t *testing.T) {
	mock := NewMock(24000)
	mock.SamplesPerChar = 100
	mock.ChunkSamples = 256

	chunks, errs := mock.Synthesize(context.Background(), Request{Text: "twelve chars", Voice: "af_heart", Speed: 1})
	total := 0
	count := 0
	for chunk := range chunks {
		if len(chunk.Samples) > 256 {
			t.Fatalf("chunk exceeds configured size: %d", len(chunk.Samples))
		}
		total += len(chunk.Samples)
		count++
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1200 {
		t.Fatalf("expected 1200 samples, got %d", total)
	}
	if count < 2 {
		t.Fatalf("expected multiple chunks, got %d", count)
	}
}

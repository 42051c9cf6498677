package synth

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedAudio struct {
	samples    []float32
	sampleRate int
}

// cachedSynth keeps fully synthesized segments in an LRU so restarts and
// replays skip the model. Callers treat chunk samples as read-only.
type cachedSynth struct {
	inner Synthesizer
	cache *lru.Cache[string, cachedAudio]
}

// NewCached wraps inner with a segment cache of the given size. Size zero or
// negative returns inner unchanged.
func NewCached(inner Synthesizer, size int) Synthesizer {
	if size <= 0 {
		return inner
	}
	cache, err := lru.New[string, cachedAudio](size)
	if err != nil {
		return inner
	}
	return &cachedSynth{inner: inner, cache: cache}
}

func (c *cachedSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	key := fmt.Sprintf("%s|%.3f|%s", req.Voice, req.Speed, req.Text)
	if audio, ok := c.cache.Get(key); ok {
		chunks := make(chan Chunk, 1)
		errs := make(chan error, 1)
		go func() {
			defer close(chunks)
			defer close(errs)
			select {
			case chunks <- Chunk{Samples: audio.samples, SampleRate: audio.sampleRate, Final: true}:
			case <-ctx.Done():
				errs <- ctx.Err()
			}
		}()
		return chunks, errs
	}

	innerChunks, innerErrs := c.inner.Synthesize(ctx, req)
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		var samples []float32
		rate := 0
		failed := false
		for innerChunks != nil || innerErrs != nil {
			select {
			case chunk, ok := <-innerChunks:
				if !ok {
					innerChunks = nil
					continue
				}
				samples = append(samples, chunk.Samples...)
				if chunk.SampleRate != 0 {
					rate = chunk.SampleRate
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case err, ok := <-innerErrs:
				if !ok {
					innerErrs = nil
					continue
				}
				if err != nil {
					failed = true
					errs <- err
				}
			}
		}
		if !failed && len(samples) > 0 {
			c.cache.Add(key, cachedAudio{samples: samples, sampleRate: rate})
		}
	}()
	return chunks, errs
}

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/segment"
	"github.com/jerroldneal/kokorod/internal/sink"
	"github.com/jerroldneal/kokorod/internal/synth"
)

// worker pulls tasks off the queue one at a time, parses their directives,
// and either streams audio to the player or renders a file.
type worker struct {
	p *Pipeline
}

func (w *worker) run() {
	for {
		task, err := w.p.queue.Next(w.p.ctx)
		if err != nil {
			return
		}
		w.process(task)
	}
}

func (w *worker) process(task *Task) {
	attempt := w.p.attempts.Add(1)
	w.p.openAccount(attempt, task)
	w.p.history.Add(task)
	w.p.workerAttempt.Store(attempt)
	w.p.workerBusy.Store(true)
	defer w.p.workerBusy.Store(false)
	w.p.publishStatus("")

	ctx, span := w.p.tracer.Start(w.p.ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.output_mode", task.OutputMode),
		))
	defer span.End()

	segs := speakable(segment.Parse(task.Text, task.Voice, task.Speed))
	if len(segs) == 0 {
		if w.p.claimAccount(attempt) {
			w.p.events.TaskDone(task, true, "no speakable text")
		}
		return
	}

	start := time.Now()
	if task.OutputMode == protocol.OutputMP3 {
		w.renderFile(ctx, task, attempt, segs)
	} else {
		w.stream(ctx, task, attempt, segs)
	}
	w.p.metrics.recordSynthesis(ctx, time.Since(start))

	// A cancelled attempt whose account is still open was never seen by the
	// player and missed the cancellation sweep.
	if w.p.isCancelled(attempt) && w.p.claimAccount(attempt) {
		w.p.events.TaskDone(task, false, "cancelled")
		if task.JobID != "" {
			w.p.events.TaskFailed(task, errors.New("cancelled before playback"))
		}
	}
}

// speakable drops segments whose text is pure whitespace, which the
// directive parser can produce around back-to-back markers.
func speakable(segs []segment.Segment) []segment.Segment {
	out := segs[:0]
	for _, seg := range segs {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// stream synthesizes each segment in order and forwards the audio to the
// player queue. A final sentinel chunk marks the end of the task; an abort
// sentinel tells the player to drop the task after a synthesis failure.
func (w *worker) stream(ctx context.Context, task *Task, attempt uint64, segs []segment.Segment) {
	total := len(segs)
	first := task.StartAtSegment
	if first < 0 {
		first = 0
	}
	if first > total {
		first = total
	}
	for i := first; i < total; i++ {
		if w.p.isCancelled(attempt) {
			return
		}
		if err := w.streamSegment(ctx, task, attempt, i, total, segs[i]); err != nil {
			w.p.logger.Error("synthesis failed",
				slogError(err),
				slog.String("task_id", task.ID),
				slog.Int("segment", i))
			if w.p.claimAccount(attempt) {
				w.p.metrics.countTask(ctx, false)
				w.p.events.TaskFailed(task, &SynthesisError{TaskID: task.ID, Err: err})
				w.p.events.TaskDone(task, false, "synthesis failed")
			}
			w.send(AudioChunk{TaskID: task.ID, Attempt: attempt, SegmentIndex: i, SegmentCount: total, Abort: true})
			return
		}
	}
	if w.p.isCancelled(attempt) {
		return
	}
	w.send(AudioChunk{TaskID: task.ID, Attempt: attempt, SegmentIndex: total - 1, SegmentCount: total, Final: true})
}

func (w *worker) streamSegment(ctx context.Context, task *Task, attempt uint64, index, total int, seg segment.Segment) error {
	chunks, errs := w.p.synth.Synthesize(ctx, synth.Request{Text: seg.Text, Voice: seg.Voice, Speed: seg.Speed})
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if w.p.isCancelled(attempt) || len(chunk.Samples) == 0 {
				continue
			}
			w.send(AudioChunk{
				TaskID:       task.ID,
				Attempt:      attempt,
				SegmentIndex: index,
				SegmentCount: total,
				Samples:      chunk.Samples,
				SampleRate:   chunk.SampleRate,
				Volume:       seg.Volume,
			})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				synthErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return synthErr
}

func (w *worker) send(chunk AudioChunk) {
	select {
	case w.p.audioQ <- chunk:
	case <-w.p.ctx.Done():
	}
}

// renderFile collects every segment into one buffer, with volume directives
// baked into the samples, and hands it to the encoder.
func (w *worker) renderFile(ctx context.Context, task *Task, attempt uint64, segs []segment.Segment) {
	var samples []float32
	rate := w.p.sampleRate
	for _, seg := range segs {
		segSamples, segRate, err := w.collect(ctx, seg)
		if err != nil {
			w.p.logger.Error("synthesis failed", slogError(err), slog.String("task_id", task.ID))
			if w.p.claimAccount(attempt) {
				w.p.metrics.countTask(ctx, false)
				w.p.events.TaskFailed(task, &SynthesisError{TaskID: task.ID, Err: err})
				w.p.events.TaskDone(task, false, "synthesis failed")
			}
			return
		}
		if segRate != 0 {
			rate = segRate
		}
		samples = append(samples, sink.Scale(segSamples, seg.Volume)...)
	}
	if err := w.p.encoder.Encode(ctx, task.OutputPath, samples, rate); err != nil {
		w.p.logger.Error("encode failed",
			slogError(err),
			slog.String("task_id", task.ID),
			slog.String("path", task.OutputPath))
		if w.p.claimAccount(attempt) {
			w.p.metrics.countTask(ctx, false)
			w.p.events.TaskFailed(task, &SinkError{TaskID: task.ID, Err: err})
			w.p.events.TaskDone(task, false, "encoding failed")
		}
		return
	}
	if !w.p.claimAccount(attempt) {
		return
	}
	w.p.logger.Info("audio file written",
		slog.String("task_id", task.ID),
		slog.String("path", task.OutputPath),
		slog.Int("samples", len(samples)))
	w.p.metrics.countTask(ctx, true)
	w.p.events.TaskDone(task, true, "")
	if task.JobID != "" {
		w.p.events.PartComplete(task, task.OutputPath)
	}
	if task.AnnounceOnComplete {
		announce := NewTask("Audio saved to "+filepath.Base(task.OutputPath), task.Voice, task.Speed)
		w.p.queue.Push(announce)
	}
}

func (w *worker) collect(ctx context.Context, seg segment.Segment) ([]float32, int, error) {
	chunks, errs := w.p.synth.Synthesize(ctx, synth.Request{Text: seg.Text, Voice: seg.Voice, Speed: seg.Speed})
	var (
		samples  []float32
		rate     int
		synthErr error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			samples = append(samples, chunk.Samples...)
			if chunk.SampleRate != 0 {
				rate = chunk.SampleRate
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				synthErr = err
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if synthErr != nil {
		return nil, 0, synthErr
	}
	return samples, rate, nil
}

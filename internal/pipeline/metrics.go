package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	samplesPlayed  metric.Int64Counter
	synthSeconds   metric.Float64Histogram
}

func newPipelineMetrics(p *Pipeline) *pipelineMetrics {
	meter := otel.Meter("github.com/jerroldneal/kokorod/pipeline")
	m := &pipelineMetrics{}

	var err error
	if m.tasksCompleted, err = meter.Int64Counter("kokoro.tasks.completed",
		metric.WithDescription("Tasks that finished playback or rendering")); err != nil {
		p.logger.Warn("metric init failed", slogError(err))
	}
	if m.tasksFailed, err = meter.Int64Counter("kokoro.tasks.failed",
		metric.WithDescription("Tasks that failed or were cancelled")); err != nil {
		p.logger.Warn("metric init failed", slogError(err))
	}
	if m.samplesPlayed, err = meter.Int64Counter("kokoro.playback.samples",
		metric.WithDescription("Samples written to the audio sink")); err != nil {
		p.logger.Warn("metric init failed", slogError(err))
	}
	if m.synthSeconds, err = meter.Float64Histogram("kokoro.synthesis.duration",
		metric.WithDescription("Wall time spent synthesizing one task"),
		metric.WithUnit("s")); err != nil {
		p.logger.Warn("metric init failed", slogError(err))
	}

	queueDepth, err := meter.Int64ObservableGauge("kokoro.queue.depth",
		metric.WithDescription("Tasks waiting in the synthesis queue"))
	if err != nil {
		p.logger.Warn("metric init failed", slogError(err))
		return m
	}
	audioBuffered, err := meter.Int64ObservableGauge("kokoro.audio.buffered",
		metric.WithDescription("Audio chunks buffered between worker and player"))
	if err != nil {
		p.logger.Warn("metric init failed", slogError(err))
		return m
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queueDepth, int64(p.queue.Len()))
		o.ObserveInt64(audioBuffered, int64(len(p.audioQ)))
		return nil
	}, queueDepth, audioBuffered); err != nil {
		p.logger.Warn("metric callback registration failed", slogError(err))
	}
	return m
}

func (m *pipelineMetrics) countTask(ctx context.Context, ok bool) {
	if ok {
		if m.tasksCompleted != nil {
			m.tasksCompleted.Add(ctx, 1)
		}
		return
	}
	if m.tasksFailed != nil {
		m.tasksFailed.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) countSamples(ctx context.Context, n int64) {
	if m.samplesPlayed != nil {
		m.samplesPlayed.Add(ctx, n)
	}
}

func (m *pipelineMetrics) recordSynthesis(ctx context.Context, d time.Duration) {
	if m.synthSeconds != nil {
		m.synthSeconds.Record(ctx, d.Seconds())
	}
}

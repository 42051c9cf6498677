package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/sink"
	"github.com/jerroldneal/kokorod/internal/synth"
)

// AudioChunk is one queue entry between the synthesis worker and the
// playback controller. Attempt identifies a single dispatch of a task so
// stale audio can be discarded after stop, next, restart, or start_at.
type AudioChunk struct {
	TaskID       string
	Attempt      uint64
	SegmentIndex int
	SegmentCount int
	Samples      []float32
	SampleRate   int
	Volume       int
	Final        bool
	Abort        bool
}

// Events receives pipeline outcomes. The dispatcher forwards them onto the
// bus; tests record them directly.
type Events interface {
	Status(state, text string, snap protocol.PlaybackSnapshot)
	TaskDone(task *Task, ok bool, detail string)
	PartComplete(task *Task, path string)
	TaskFailed(task *Task, err error)
}

// Pipeline owns the task queue, the bounded audio queue between worker and
// player, and the shared playback snapshot.
type Pipeline struct {
	cfg        config.PlaybackConfig
	sampleRate int
	synth      synth.Synthesizer
	sink       sink.Sink
	encoder    sink.Encoder
	events     Events
	logger     *slog.Logger
	metrics    *pipelineMetrics
	tracer     trace.Tracer

	queue   *Queue
	history *History
	audioQ  chan AudioChunk
	control chan protocol.ControlRequest

	attempts      atomic.Uint64
	cancelled     atomic.Uint64
	workerBusy    atomic.Bool
	workerAttempt atomic.Uint64

	accountMu sync.Mutex
	accounts  map[uint64]*Task

	snapMu sync.Mutex
	snap   protocol.PlaybackSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(parent context.Context, cfg config.PlaybackConfig, sampleRate int, syn synth.Synthesizer, out sink.Sink, enc sink.Encoder, hist *History, events Events, log *slog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(parent)
	p := &Pipeline{
		cfg:        cfg,
		sampleRate: sampleRate,
		synth:      syn,
		sink:       out,
		encoder:    enc,
		events:     events,
		history:    hist,
		queue:      NewQueue(),
		audioQ:     make(chan AudioChunk, cfg.QueueSize),
		control:    make(chan protocol.ControlRequest, 16),
		accounts:   make(map[uint64]*Task),
		logger:     log.With(slog.String("component", "pipeline")),
		tracer:     otel.Tracer("github.com/jerroldneal/kokorod/pipeline"),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.metrics = newPipelineMetrics(p)
	return p
}

// Start launches the worker and player loops and reports the idle state.
func (p *Pipeline) Start() error {
	w := &worker{p: p}
	pl := &player{p: p}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		w.run()
	}()
	go func() {
		defer p.wg.Done()
		pl.run()
	}()
	p.publishStatus("")
	return nil
}

func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
	_ = p.sink.Close()
}

func (p *Pipeline) Healthy() bool {
	return p.ctx.Err() == nil
}

// Enqueue appends a validated task to the FIFO intake.
func (p *Pipeline) Enqueue(t *Task) {
	p.queue.Push(t)
}

// Control hands one playback command to the controller. Commands are applied
// with priority over buffered audio.
func (p *Pipeline) Control(req protocol.ControlRequest) error {
	select {
	case p.control <- req:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// History exposes the shared ring for replay resolution.
func (p *Pipeline) History() *History {
	return p.history
}

// Snapshot returns a consistent copy of the playback state.
func (p *Pipeline) Snapshot() protocol.PlaybackSnapshot {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.snap
}

// State derives the top-level pipeline state from the snapshot, the worker,
// and the queue. A worker that is merely draining a cancelled attempt does
// not count as busy.
func (p *Pipeline) State() string {
	if p.Snapshot().CurrentTaskID != "" {
		return protocol.StateProcessing
	}
	if p.workerBusy.Load() && !p.isCancelled(p.workerAttempt.Load()) {
		return protocol.StateProcessing
	}
	if p.queue.Len() > 0 {
		return protocol.StateProcessing
	}
	return protocol.StateIdle
}

func (p *Pipeline) setSnap(mutate func(*protocol.PlaybackSnapshot)) {
	p.snapMu.Lock()
	mutate(&p.snap)
	p.snapMu.Unlock()
}

func (p *Pipeline) publishStatus(text string) {
	p.events.Status(p.State(), text, p.Snapshot())
}

func (p *Pipeline) publishError(text string) {
	p.events.Status(protocol.StateError, text, p.Snapshot())
}

// cancelAttempt marks one dispatch dead; its buffered chunks are discarded
// wherever they surface. Synthesis in flight is never interrupted, only its
// output dropped.
func (p *Pipeline) cancelAttempt(attempt uint64) {
	if attempt > p.cancelled.Load() {
		p.cancelled.Store(attempt)
	}
}

func (p *Pipeline) isCancelled(attempt uint64) bool {
	return attempt != 0 && attempt <= p.cancelled.Load()
}

// Every dispatched attempt carries an open account until its outcome is
// reported. claimAccount succeeds exactly once per attempt, which is what
// keeps task_done events exactly-once across the worker, the player, and
// cancellation sweeps.
func (p *Pipeline) openAccount(attempt uint64, task *Task) {
	p.accountMu.Lock()
	p.accounts[attempt] = task
	p.accountMu.Unlock()
}

func (p *Pipeline) claimAccount(attempt uint64) bool {
	p.accountMu.Lock()
	_, ok := p.accounts[attempt]
	if ok {
		delete(p.accounts, attempt)
	}
	p.accountMu.Unlock()
	return ok
}

// sweepAccounts claims every open account at or below the watermark and
// returns the orphaned tasks so the caller can report them.
func (p *Pipeline) sweepAccounts(watermark uint64) []*Task {
	p.accountMu.Lock()
	var out []*Task
	for attempt, task := range p.accounts {
		if attempt <= watermark {
			delete(p.accounts, attempt)
			out = append(out, task)
		}
	}
	p.accountMu.Unlock()
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

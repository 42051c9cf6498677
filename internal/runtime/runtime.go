package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jerroldneal/kokorod/internal/bus"
	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/dispatch"
	"github.com/jerroldneal/kokorod/internal/job"
	"github.com/jerroldneal/kokorod/internal/natsserver"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/sink"
	"github.com/jerroldneal/kokorod/internal/stdio"
	"github.com/jerroldneal/kokorod/internal/synth"
	"github.com/jerroldneal/kokorod/internal/taskstore"
	"github.com/jerroldneal/kokorod/internal/watcher"
)

// Runtime assembles the daemon: telemetry, broker, bus client, archive,
// synthesizer, sinks, pipeline, job manager, dispatcher, and the optional
// stdio and watcher front-ends. Start blocks until the context is cancelled,
// then tears everything down in reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	mu     sync.Mutex
	checks []func() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	broker, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded broker: %w", err)
	}
	defer broker.Shutdown()

	busCfg := r.cfg.Bus
	if broker != nil {
		busCfg.Servers = []string{broker.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.addCheck(busClient.Healthy)

	archive, err := taskstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open task archive: %w", err)
	}
	defer archive.Close()

	syn, err := buildSynthesizer(r.cfg.Synthesis)
	if err != nil {
		return err
	}
	out, err := buildSink(r.cfg.Playback, r.logger)
	if err != nil {
		return err
	}
	enc, err := buildEncoder(r.cfg.Encoder)
	if err != nil {
		return err
	}

	pub := dispatch.NewPublisher(ctx, busClient, archive, r.logger)
	pub.Status(protocol.StateInitializing, "", protocol.PlaybackSnapshot{})

	hist := pipeline.NewHistory(r.cfg.History.Capacity)
	pipe := pipeline.New(ctx, r.cfg.Playback, r.cfg.Synthesis.SampleRate, syn, out, enc, hist, pub, r.logger)
	if err := pipe.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer pipe.Close()
	r.addCheck(pipe.Healthy)

	enqueue := func(task *pipeline.Task) {
		if err := archive.Append(ctx, task); err != nil {
			r.logger.Warn("task archive append failed", slog.String("error", err.Error()))
		}
		pipe.Enqueue(task)
	}
	jobs := job.NewManager(r.cfg.Jobs, enqueue, pub, r.logger)
	pub.BindJobs(jobs)

	svc := dispatch.NewService(ctx, r.cfg, busClient, pipe, jobs, archive, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer svc.Close()
	r.addCheck(svc.Healthy)

	if r.cfg.Stdio.Enabled {
		bridge := stdio.NewBridge(ctx, busClient, os.Stdin, os.Stdout, r.logger)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("failed to start stdio bridge: %w", err)
		}
		defer bridge.Close()
		r.addCheck(bridge.Healthy)
	}

	if r.cfg.Watcher.Enabled {
		watch := watcher.NewService(ctx, r.cfg.Watcher, busClient, r.logger)
		if err := watch.Start(); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer watch.Close()
		r.addCheck(watch.Healthy)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("bus", busCfg.Servers[0]))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildSynthesizer(cfg config.SynthesisConfig) (synth.Synthesizer, error) {
	var syn synth.Synthesizer
	switch cfg.Mode {
	case "exec":
		built, err := synth.NewExecSynth(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to build synthesizer: %w", err)
		}
		syn = built
	default:
		syn = synth.NewMock(cfg.SampleRate)
	}
	if cfg.CacheSize > 0 {
		syn = synth.NewCached(syn, cfg.CacheSize)
	}
	return syn, nil
}

func buildSink(cfg config.PlaybackConfig, logger *slog.Logger) (sink.Sink, error) {
	if cfg.Mode == "exec" {
		out, err := sink.NewExecSink(cfg.Command, cfg.RestartMaxRetries, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build playback sink: %w", err)
		}
		return out, nil
	}
	return sink.NewMockSink(), nil
}

func buildEncoder(cfg config.EncoderConfig) (sink.Encoder, error) {
	if cfg.Mode == "exec" {
		enc, err := sink.NewExecEncoder(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to build encoder: %w", err)
		}
		return enc, nil
	}
	return sink.NewWAVEncoder(), nil
}

func (r *Runtime) addCheck(check func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check)
}

func (r *Runtime) healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, check := range r.checks {
		if !check() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

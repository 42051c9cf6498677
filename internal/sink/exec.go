package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-shellwords"
)

// execSink pipes raw PCM into a long-lived player process, mpv in the stock
// configuration. A broken pipe tears the process down and respawns it under
// exponential backoff; the failed write is retried once against the fresh
// process.
type execSink struct {
	cmd      []string
	maxTries int
	log      *slog.Logger

	mu    sync.Mutex
	proc  *exec.Cmd
	stdin io.WriteCloser
}

func NewExecSink(command string, maxRetries int, log *slog.Logger) (Sink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	tries := maxRetries
	if tries < 1 {
		tries = 1
	}
	return &execSink{
		cmd:      args,
		maxTries: tries,
		log:      log.With(slog.String("component", "exec-sink")),
	}, nil
}

func (e *execSink) Write(ctx context.Context, samples []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := pcmBytes(samples)
	if e.stdin == nil {
		if err := e.respawn(ctx); err != nil {
			return fmt.Errorf("start player: %w", err)
		}
	}
	if _, err := e.stdin.Write(data); err != nil {
		e.log.Warn("player pipe failed, restarting", slog.String("error", err.Error()))
		e.teardown()
		if err := e.respawn(ctx); err != nil {
			return fmt.Errorf("restart player: %w", err)
		}
		if _, err := e.stdin.Write(data); err != nil {
			e.teardown()
			return fmt.Errorf("write after player restart: %w", err)
		}
	}
	return nil
}

func (e *execSink) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardown()
	return nil
}

func (e *execSink) respawn(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.spawn()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.maxTries)))
	return err
}

func (e *execSink) spawn() error {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.Command(base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	e.proc = cmd
	e.stdin = stdin
	e.log.Info("player process started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *execSink) teardown() {
	if e.stdin != nil {
		e.stdin.Close()
		e.stdin = nil
	}
	if e.proc != nil {
		if e.proc.Process != nil {
			_ = e.proc.Process.Kill()
		}
		_ = e.proc.Wait()
		e.proc = nil
	}
}

// pcmBytes serializes samples as float32 little-endian frames.
func pcmBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// samplesFromBytes is the inverse of pcmBytes; partial trailing frames are
// dropped.
func samplesFromBytes(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

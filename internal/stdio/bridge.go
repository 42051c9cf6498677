package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jerroldneal/kokorod/internal/bus"
	"github.com/jerroldneal/kokorod/internal/protocol"
)

// Bridge speaks the line-delimited protocol over stdin/stdout and relays it
// to the bus, so a parent process driving the daemon through a pipe sees the
// same conversation a bus client would. Speak and combine lines go out as
// requests so their acks come back on stdout; control lines are
// fire-and-forget. Every outbound bus event becomes one stdout line.
type Bridge struct {
	bus            *bus.Client
	logger         *slog.Logger
	in             io.Reader
	out            io.Writer
	requestTimeout time.Duration

	outMu sync.Mutex
	subs  []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(parent context.Context, busClient *bus.Client, in io.Reader, out io.Writer, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		bus:            busClient,
		logger:         logger.With(slog.String("component", "stdio")),
		in:             in,
		out:            out,
		requestTimeout: 5 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (b *Bridge) Start() error {
	for _, subject := range []string{
		protocol.SubjectStatus,
		protocol.SubjectProgress,
		protocol.SubjectPartComplete,
		protocol.SubjectTaskDone,
		protocol.SubjectError,
	} {
		sub, err := b.bus.Conn().Subscribe(subject, b.mirror)
		if err != nil {
			for _, earlier := range b.subs {
				earlier.Drain()
			}
			return err
		}
		b.subs = append(b.subs, sub)
	}

	lines := make(chan []byte, 16)
	go b.scan(lines)

	b.wg.Add(1)
	go b.dispatch(lines)
	return nil
}

func (b *Bridge) Close() {
	b.cancel()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool {
	return len(b.subs) == 5
}

// scan owns the blocking reads. It is deliberately untracked: a read on a
// pipe with no writer cannot be interrupted, and the goroutine dies with the
// process. The channel close tells dispatch the input ended.
func (b *Bridge) scan(lines chan<- []byte) {
	defer close(lines)
	scanner := bufio.NewScanner(b.in)
	// a line can carry the full text of a book
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		copied := append([]byte(nil), line...)
		select {
		case lines <- copied:
		case <-b.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && b.ctx.Err() == nil {
		b.logger.Warn("stdin read failed", slogError(err))
	}
}

func (b *Bridge) dispatch(lines <-chan []byte) {
	defer b.wg.Done()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				b.logger.Info("stdin closed")
				return
			}
			b.handleLine(line)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleLine(line []byte) {
	msg, err := protocol.DecodeInbound(line)
	if err != nil {
		b.logger.Debug("ignoring stdin line", slogError(err))
		return
	}
	switch msg.(type) {
	case *protocol.SpeakRequest:
		b.forward(protocol.SubjectSpeak, line)
	case *protocol.CombineRequest:
		b.forward(protocol.SubjectCombine, line)
	case *protocol.ControlRequest:
		if err := b.bus.Conn().Publish(protocol.SubjectControl, line); err != nil {
			b.logger.Warn("failed to publish control line", slogError(err))
		}
	}
}

// forward relays a request line and prints whatever the responder answered,
// ack or error.
func (b *Bridge) forward(subject string, line []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, b.requestTimeout)
	defer cancel()
	reply, err := b.bus.Conn().RequestWithContext(ctx, subject, line)
	if err != nil {
		b.logger.Warn("request failed",
			slog.String("subject", subject), slogError(err))
		evt := protocol.ErrorEvent{Type: protocol.TypeError, Message: "request failed: " + err.Error()}
		if data, merr := json.Marshal(evt); merr == nil {
			b.writeLine(data)
		}
		return
	}
	b.writeLine(reply.Data)
}

func (b *Bridge) mirror(msg *nats.Msg) {
	b.writeLine(msg.Data)
}

func (b *Bridge) writeLine(data []byte) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(data); err != nil {
		b.logger.Warn("stdout write failed", slogError(err))
		return
	}
	if _, err := b.out.Write([]byte{'\n'}); err != nil {
		b.logger.Warn("stdout write failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/sink"
	"github.com/jerroldneal/kokorod/internal/synth"
	"github.com/jerroldneal/kokorod/internal/voice"
)

type recordedStatus struct {
	State string
	Text  string
	Snap  protocol.PlaybackSnapshot
}

type recordedDone struct {
	Task   Task
	OK     bool
	Detail string
}

type recordedPart struct {
	Task Task
	Path string
}

type recorder struct {
	mu       sync.Mutex
	statuses []recordedStatus
	statusCh chan recordedStatus
	done     chan recordedDone
	parts    chan recordedPart
	failures chan error
}

func newRecorder() *recorder {
	return &recorder{
		statusCh: make(chan recordedStatus, 256),
		done:     make(chan recordedDone, 64),
		parts:    make(chan recordedPart, 64),
		failures: make(chan error, 64),
	}
}

func (r *recorder) Status(state, text string, snap protocol.PlaybackSnapshot) {
	rec := recordedStatus{State: state, Text: text, Snap: snap}
	r.mu.Lock()
	r.statuses = append(r.statuses, rec)
	r.mu.Unlock()
	select {
	case r.statusCh <- rec:
	default:
	}
}

func (r *recorder) TaskDone(task *Task, ok bool, detail string) {
	select {
	case r.done <- recordedDone{Task: *task, OK: ok, Detail: detail}:
	default:
	}
}

func (r *recorder) PartComplete(task *Task, path string) {
	select {
	case r.parts <- recordedPart{Task: *task, Path: path}:
	default:
	}
}

func (r *recorder) TaskFailed(task *Task, err error) {
	select {
	case r.failures <- err:
	default:
	}
}

func (r *recorder) waitDone(t *testing.T) recordedDone {
	t.Helper()
	select {
	case d := <-r.done:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a task outcome")
	}
	return recordedDone{}
}

func (r *recorder) waitStatus(t *testing.T, match func(recordedStatus) bool) recordedStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.statusCh:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a matching status")
		}
	}
}

func (r *recorder) expectNoDone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case d := <-r.done:
		t.Fatalf("unexpected task outcome: %+v", d)
	case <-time.After(within):
	}
}

func newTestPipeline(t *testing.T, mock *synth.Mock, out *sink.MockSink, enc sink.Encoder) (*Pipeline, *recorder) {
	t.Helper()
	cfg := config.Default().Playback
	cfg.QueueSize = 8
	cfg.PlayoutChunk = 256
	rec := newRecorder()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(context.Background(), cfg, mock.SampleRate, mock, out, enc, NewHistory(50), rec, log)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Close)
	return p, rec
}

// feed releases every gated sink write until the test ends.
func feed(t *testing.T, out *sink.MockSink) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-out.Entered:
			case out.Gate <- struct{}{}:
			case <-stop:
				return
			}
		}
	}()
}

// gate puts the sink into two-phase mode so a test can hold the player
// mid-write and queue control commands with a deterministic ordering.
func gate(out *sink.MockSink) {
	out.Entered = make(chan struct{})
	out.Gate = make(chan struct{})
}

func TestLiveTaskPlaysToCompletion(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(task)

	done := rec.waitDone(t)
	if !done.OK {
		t.Fatalf("task failed: %+v", done)
	}
	if done.Task.ID != task.ID {
		t.Fatalf("outcome for wrong task: %q", done.Task.ID)
	}

	want := len([]rune("Hello world.")) * mock.SamplesPerChar
	if got := len(out.Samples()); got != want {
		t.Fatalf("sink received %d samples, want %d", got, want)
	}

	rec.waitStatus(t, func(s recordedStatus) bool {
		return s.State == protocol.StateIdle && s.Snap.CurrentTaskID == ""
	})
}

func TestPauseHoldsPositionAndResumeContinues(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(task)

	// The player announces itself inside the first write, the pause is
	// queued while it is parked there, and the tick releases exactly one
	// 256-sample slice before the command is seen.
	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	out.Gate <- struct{}{}

	paused := rec.waitStatus(t, func(s recordedStatus) bool { return s.Text == "paused" })
	if !paused.Snap.Paused {
		t.Fatalf("paused status should carry a paused snapshot")
	}
	if paused.Snap.CurrentSampleOffset != 256 {
		t.Fatalf("offset = %d, want 256", paused.Snap.CurrentSampleOffset)
	}
	if got := out.Writes(); got != 1 {
		t.Fatalf("sink writes = %d, want 1 while paused", got)
	}
	rec.expectNoDone(t, 100*time.Millisecond)

	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	feed(t, out)

	done := rec.waitDone(t)
	if !done.OK {
		t.Fatalf("task failed after resume: %+v", done)
	}
	want := len([]rune("Hello world.")) * mock.SamplesPerChar
	if got := len(out.Samples()); got != want {
		t.Fatalf("sink received %d samples, want %d (no loss, no replay)", got, want)
	}
}

func TestStopClearsEverythingAndReturnsToIdle(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	a := NewTask("Hello world.", voice.Default, 1.0)
	b := NewTask("Bravo.", voice.Default, 1.0)
	p.Enqueue(a)
	p.Enqueue(b)

	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	out.Gate <- struct{}{}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		done := rec.waitDone(t)
		if done.OK {
			t.Fatalf("stopped task reported success: %+v", done)
		}
		seen[done.Task.ID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("both tasks should report cancellation, got %v", seen)
	}

	rec.waitStatus(t, func(s recordedStatus) bool {
		return s.State == protocol.StateIdle && s.Snap.CurrentTaskID == ""
	})
	if got := out.Writes(); got != 1 {
		t.Fatalf("sink writes = %d, want 1 after stop", got)
	}

	// The pipeline accepts new work after a stop.
	feed(t, out)
	c := NewTask("Charlie.", voice.Default, 1.0)
	p.Enqueue(c)
	done := rec.waitDone(t)
	if !done.OK || done.Task.ID != c.ID {
		t.Fatalf("post-stop task should play: %+v", done)
	}
}

func TestStartAtSkipsEarlierSegments(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("One. {voice:am_adam}Two. {voice:bf_emma}Three.", voice.Default, 1.0)
	p.Enqueue(task)

	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandStartAt, Index: 2}); err != nil {
		t.Fatalf("start_at: %v", err)
	}
	out.Gate <- struct{}{}

	first := rec.waitDone(t)
	if first.OK || first.Task.ID != task.ID {
		t.Fatalf("original dispatch should be superseded: %+v", first)
	}

	feed(t, out)
	second := rec.waitDone(t)
	if !second.OK {
		t.Fatalf("reissued task failed: %+v", second)
	}
	if second.Task.ID == task.ID {
		t.Fatalf("reissued task should carry a fresh id")
	}

	// One 256-sample slice of segment 0 played before the seek, then all of
	// segment 2 ("Three." at 80 samples a rune).
	want := 256 + len([]rune("Three."))*mock.SamplesPerChar
	if got := len(out.Samples()); got != want {
		t.Fatalf("sink received %d samples, want %d", got, want)
	}
}

func TestStartAtOutOfRangeIsIgnored(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(task)

	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandStartAt, Index: 5}); err != nil {
		t.Fatalf("start_at: %v", err)
	}
	out.Gate <- struct{}{}

	rec.waitStatus(t, func(s recordedStatus) bool {
		return strings.Contains(s.Text, "start_at ignored")
	})

	feed(t, out)
	done := rec.waitDone(t)
	if !done.OK || done.Task.ID != task.ID {
		t.Fatalf("task should finish untouched: %+v", done)
	}
	want := len([]rune("Hello world.")) * mock.SamplesPerChar
	if got := len(out.Samples()); got != want {
		t.Fatalf("sink received %d samples, want %d", got, want)
	}
}

func TestRestartReplaysFromTheTop(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(task)

	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandRestart}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	out.Gate <- struct{}{}

	first := rec.waitDone(t)
	if first.OK {
		t.Fatalf("original dispatch should be superseded: %+v", first)
	}

	feed(t, out)
	second := rec.waitDone(t)
	if !second.OK || second.Task.Text != task.Text {
		t.Fatalf("restarted task failed: %+v", second)
	}

	full := len([]rune("Hello world.")) * mock.SamplesPerChar
	if got := len(out.Samples()); got != 256+full {
		t.Fatalf("sink received %d samples, want %d", got, 256+full)
	}
}

func TestNextSkipsCurrentTask(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	gate(out)
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	a := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(a)

	<-out.Entered
	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandNext}); err != nil {
		t.Fatalf("next: %v", err)
	}
	out.Gate <- struct{}{}

	done := rec.waitDone(t)
	if done.OK || done.Task.ID != a.ID {
		t.Fatalf("skipped task should report failure: %+v", done)
	}
	rec.waitStatus(t, func(s recordedStatus) bool {
		return s.State == protocol.StateIdle
	})
}

func TestPreviousReplaysLastTask(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Alpha.", voice.Default, 1.0)
	p.Enqueue(task)
	first := rec.waitDone(t)
	if !first.OK {
		t.Fatalf("first pass failed: %+v", first)
	}

	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandPrevious}); err != nil {
		t.Fatalf("previous: %v", err)
	}
	replayed := rec.waitDone(t)
	if !replayed.OK {
		t.Fatalf("replay failed: %+v", replayed)
	}
	if replayed.Task.Text != "Alpha." || replayed.Task.ID == task.ID {
		t.Fatalf("replay should be a fresh task with the same text: %+v", replayed)
	}
}

func TestPreviousWithEmptyHistoryIsIgnored(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	if err := p.Control(protocol.ControlRequest{Command: protocol.CommandPrevious}); err != nil {
		t.Fatalf("previous: %v", err)
	}
	rec.waitStatus(t, func(s recordedStatus) bool {
		return strings.Contains(s.Text, "previous ignored")
	})
	rec.expectNoDone(t, 100*time.Millisecond)
}

func TestSynthesisFailureFailsTaskAndRecovers(t *testing.T) {
	mock := synth.NewMock(24000)
	mock.FailSubstring = "boom"
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	bad := NewTask("this will boom", voice.Default, 1.0)
	p.Enqueue(bad)

	done := rec.waitDone(t)
	if done.OK || done.Detail != "synthesis failed" {
		t.Fatalf("expected a synthesis failure, got %+v", done)
	}
	select {
	case err := <-rec.failures:
		var synthErr *SynthesisError
		if !errors.As(err, &synthErr) {
			t.Fatalf("failure should be a SynthesisError, got %v", err)
		}
		if synthErr.TaskID != bad.ID {
			t.Fatalf("failure for wrong task: %q", synthErr.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no failure event")
	}

	good := NewTask("all clear", voice.Default, 1.0)
	p.Enqueue(good)
	next := rec.waitDone(t)
	if !next.OK || next.Task.ID != good.ID {
		t.Fatalf("pipeline should recover after a failure: %+v", next)
	}
}

func TestSinkFailureFailsTask(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	out.FailAt = 1
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("Hello world.", voice.Default, 1.0)
	p.Enqueue(task)

	done := rec.waitDone(t)
	if done.OK || done.Detail != "sink failure" {
		t.Fatalf("expected a sink failure, got %+v", done)
	}
	select {
	case err := <-rec.failures:
		var sinkErr *SinkError
		if !errors.As(err, &sinkErr) {
			t.Fatalf("failure should be a SinkError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no failure event")
	}
	rec.waitStatus(t, func(s recordedStatus) bool { return s.State == protocol.StateError })
	rec.waitStatus(t, func(s recordedStatus) bool { return s.State == protocol.StateIdle })
}

func TestFileTaskWritesAndAnnounces(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	enc := &sink.MockEncoder{}
	p, rec := newTestPipeline(t, mock, out, enc)

	path := filepath.Join(t.TempDir(), "speech.mp3")
	task := NewTask("Save me to disk.", voice.Default, 1.0)
	task.OutputMode = protocol.OutputMP3
	task.OutputPath = path
	task.AnnounceOnComplete = true
	p.Enqueue(task)

	done := rec.waitDone(t)
	if !done.OK || done.Task.ID != task.ID {
		t.Fatalf("file task failed: %+v", done)
	}
	if got := enc.Encoded(); len(got) != 1 || got[0] != path {
		t.Fatalf("encoder saw %v, want [%s]", got, path)
	}

	announce := rec.waitDone(t)
	if !announce.OK {
		t.Fatalf("announcement failed: %+v", announce)
	}
	if announce.Task.Text != "Audio saved to speech.mp3" {
		t.Fatalf("announcement text = %q", announce.Task.Text)
	}
	if announce.Task.OutputMode != protocol.OutputLive {
		t.Fatalf("announcement should be spoken, mode = %q", announce.Task.OutputMode)
	}
}

func TestFilePartReportsCompletion(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	enc := &sink.MockEncoder{}
	p, rec := newTestPipeline(t, mock, out, enc)

	path := filepath.Join(t.TempDir(), "long-part-001.mp3")
	task := NewTask("Part one of many.", voice.Default, 1.0)
	task.OutputMode = protocol.OutputMP3
	task.OutputPath = path
	task.JobID = "job-123"
	task.PartIndex = 1
	p.Enqueue(task)

	done := rec.waitDone(t)
	if !done.OK {
		t.Fatalf("part task failed: %+v", done)
	}
	select {
	case part := <-rec.parts:
		if part.Path != path || part.Task.JobID != "job-123" {
			t.Fatalf("part completion mismatch: %+v", part)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no part completion event")
	}
}

func TestDirectiveOnlyTextCompletesQuietly(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("{volume:50}", voice.Default, 1.0)
	p.Enqueue(task)

	done := rec.waitDone(t)
	if !done.OK || done.Detail != "no speakable text" {
		t.Fatalf("directive-only task should complete quietly: %+v", done)
	}
	if mock.CallCount() != 0 {
		t.Fatalf("nothing should have been synthesized")
	}
}

func TestVolumeDirectiveScalesPlayback(t *testing.T) {
	mock := synth.NewMock(24000)
	out := sink.NewMockSink()
	p, rec := newTestPipeline(t, mock, out, &sink.MockEncoder{})

	task := NewTask("{volume:50}Quiet please.", voice.Default, 1.0)
	p.Enqueue(task)

	done := rec.waitDone(t)
	if !done.OK {
		t.Fatalf("task failed: %+v", done)
	}
	samples := out.Samples()
	if len(samples) == 0 {
		t.Fatalf("no audio reached the sink")
	}
	// The mock emits a constant non-zero amplitude; at volume 50 every
	// sample arrives halved.
	fullScale := float32(len(voice.Default)%7) / 10
	for i, s := range samples {
		if s != fullScale/2 {
			t.Fatalf("sample %d = %v, want %v", i, s, fullScale/2)
		}
	}
}

package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/sink"
)

// player consumes the audio queue and drives the sink. It applies control
// commands between playout slices so pause, stop, and seek land with
// sub-chunk latency even while a large chunk is being written out.
type player struct {
	p *Pipeline

	current        *Task
	currentAttempt uint64
	segCount       int
	paused         bool
	rem            *pending
}

// pending holds the unwritten remainder of the chunk being played.
type pending struct {
	chunk   AudioChunk
	samples []float32
}

func (pl *player) run() {
	for {
		if pl.paused {
			select {
			case req := <-pl.p.control:
				pl.apply(req)
			case <-pl.p.ctx.Done():
				return
			}
			continue
		}
		if pl.rem != nil {
			select {
			case req := <-pl.p.control:
				pl.apply(req)
				continue
			case <-pl.p.ctx.Done():
				return
			default:
			}
			pl.playSlice()
			continue
		}
		select {
		case req := <-pl.p.control:
			pl.apply(req)
		case chunk := <-pl.p.audioQ:
			pl.handleChunk(chunk)
		case <-pl.p.ctx.Done():
			return
		}
	}
}

func (pl *player) handleChunk(chunk AudioChunk) {
	if pl.p.isCancelled(chunk.Attempt) {
		return
	}
	if chunk.Abort {
		if pl.current != nil && chunk.Attempt == pl.currentAttempt {
			pl.clearCurrent()
			pl.p.publishStatus("")
		}
		return
	}
	if pl.current == nil || chunk.Attempt != pl.currentAttempt {
		pl.becomeCurrent(chunk)
	}
	if chunk.Final {
		pl.finishTask()
		return
	}
	if chunk.SegmentIndex != pl.p.Snapshot().CurrentSegmentIndex {
		pl.p.setSnap(func(s *protocol.PlaybackSnapshot) {
			s.CurrentSegmentIndex = chunk.SegmentIndex
		})
	}
	pl.rem = &pending{chunk: chunk, samples: sink.Scale(chunk.Samples, chunk.Volume)}
}

func (pl *player) becomeCurrent(chunk AudioChunk) {
	task := pl.p.history.Find(chunk.TaskID)
	if task == nil {
		task = &Task{ID: chunk.TaskID}
	}
	pl.current = task
	pl.currentAttempt = chunk.Attempt
	pl.segCount = chunk.SegmentCount
	pl.p.setSnap(func(s *protocol.PlaybackSnapshot) {
		s.CurrentTaskID = chunk.TaskID
		s.CurrentSegmentIndex = chunk.SegmentIndex
		s.CurrentSampleOffset = 0
		s.Paused = false
	})
	pl.p.logger.Debug("playback started",
		slog.String("task_id", chunk.TaskID),
		slog.Int("segments", chunk.SegmentCount))
	pl.p.publishStatus("")
}

func (pl *player) playSlice() {
	n := pl.p.cfg.PlayoutChunk
	if n > len(pl.rem.samples) {
		n = len(pl.rem.samples)
	}
	if n > 0 {
		if err := pl.p.sink.Write(pl.p.ctx, pl.rem.samples[:n]); err != nil {
			pl.failSink(err)
			return
		}
		pl.rem.samples = pl.rem.samples[n:]
		pl.p.metrics.countSamples(pl.p.ctx, int64(n))
		pl.p.setSnap(func(s *protocol.PlaybackSnapshot) {
			s.CurrentSampleOffset += int64(n)
		})
	}
	if len(pl.rem.samples) == 0 {
		pl.rem = nil
	}
}

func (pl *player) finishTask() {
	task := pl.current
	attempt := pl.currentAttempt
	pl.clearCurrent()
	if task != nil && pl.p.claimAccount(attempt) {
		pl.p.metrics.countTask(pl.p.ctx, true)
		pl.p.events.TaskDone(task, true, "")
	}
	pl.p.publishStatus("")
}

func (pl *player) clearCurrent() {
	pl.current = nil
	pl.segCount = 0
	pl.paused = false
	pl.rem = nil
	pl.p.setSnap(func(s *protocol.PlaybackSnapshot) {
		*s = protocol.PlaybackSnapshot{}
	})
}

func (pl *player) failSink(err error) {
	task := pl.current
	attempt := pl.currentAttempt
	pl.clearCurrent()
	pl.p.cancelAttempt(attempt)
	pl.p.logger.Error("audio sink failed", slogError(err))
	if task != nil && pl.p.claimAccount(attempt) {
		pl.p.metrics.countTask(pl.p.ctx, false)
		pl.p.events.TaskFailed(task, &SinkError{TaskID: task.ID, Err: err})
		pl.p.events.TaskDone(task, false, "sink failure")
	}
	pl.p.publishError("audio sink failed")
	pl.p.publishStatus("")
}

// cancelThrough cancels every attempt at or below the watermark and reports
// the tasks whose outcome nobody else will account for.
func (pl *player) cancelThrough(watermark uint64, detail string) {
	pl.p.cancelAttempt(watermark)
	for _, task := range pl.p.sweepAccounts(watermark) {
		pl.p.metrics.countTask(pl.p.ctx, false)
		pl.p.events.TaskDone(task, false, detail)
		if task.JobID != "" {
			pl.p.events.TaskFailed(task, errors.New(detail))
		}
	}
}

func (pl *player) apply(req protocol.ControlRequest) {
	switch req.Command {
	case protocol.CommandPause:
		pl.pause()
	case protocol.CommandResume:
		pl.resume()
	case protocol.CommandStop:
		pl.stop()
	case protocol.CommandRestart:
		pl.restart()
	case protocol.CommandNext:
		pl.next()
	case protocol.CommandPrevious:
		pl.previous()
	case protocol.CommandStartAt:
		pl.startAt(req.Index)
	default:
		pl.p.logger.Warn("unknown control command", slog.String("command", req.Command))
	}
}

func (pl *player) pause() {
	if pl.current == nil || pl.paused {
		return
	}
	pl.paused = true
	pl.p.setSnap(func(s *protocol.PlaybackSnapshot) { s.Paused = true })
	pl.p.publishStatus("paused")
}

func (pl *player) resume() {
	if !pl.paused {
		return
	}
	pl.paused = false
	pl.p.setSnap(func(s *protocol.PlaybackSnapshot) { s.Paused = false })
	pl.p.publishStatus("resumed")
}

// stop drops everything: queued tasks, the task on the sink, and any task
// the worker has dispatched but the player has not started.
func (pl *player) stop() {
	for _, t := range pl.p.queue.Clear() {
		pl.p.metrics.countTask(pl.p.ctx, false)
		pl.p.events.TaskDone(t, false, "cancelled by stop")
		if t.JobID != "" {
			pl.p.events.TaskFailed(t, fmt.Errorf("job part %d cancelled by stop", t.PartIndex))
		}
	}
	pl.cancelThrough(pl.p.attempts.Load(), "stopped")
	pl.clearCurrent()
	pl.p.publishStatus("stopped")
}

func (pl *player) restart() {
	if pl.current == nil {
		pl.p.publishStatus("restart ignored: nothing playing")
		return
	}
	clone := pl.current.Clone()
	pl.cancelThrough(pl.currentAttempt, "superseded by restart")
	pl.clearCurrent()
	pl.p.queue.PushFront(clone)
	pl.p.publishStatus("")
}

func (pl *player) next() {
	if pl.current == nil {
		pl.p.publishStatus("next ignored: nothing playing")
		return
	}
	pl.cancelThrough(pl.currentAttempt, "skipped")
	pl.clearCurrent()
	pl.p.publishStatus("")
}

func (pl *player) previous() {
	currentID := ""
	if pl.current != nil {
		currentID = pl.current.ID
	}
	prev := pl.p.history.Previous(currentID)
	if prev == nil {
		pl.p.publishStatus("previous ignored: no earlier task")
		return
	}
	clone := prev.Clone()
	if pl.current != nil {
		pl.cancelThrough(pl.currentAttempt, "skipped")
		pl.clearCurrent()
	}
	pl.p.queue.PushFront(clone)
	pl.p.publishStatus("")
}

func (pl *player) startAt(index int) {
	if pl.current == nil {
		pl.p.publishStatus("start_at ignored: nothing playing")
		return
	}
	if index < 0 || index >= pl.segCount {
		pl.p.publishStatus(fmt.Sprintf("start_at ignored: segment %d out of range", index))
		return
	}
	clone := pl.current.Clone()
	clone.StartAtSegment = index
	pl.cancelThrough(pl.currentAttempt, "superseded by start_at")
	pl.clearCurrent()
	pl.p.queue.PushFront(clone)
	pl.p.publishStatus("")
}

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jerroldneal/kokorod/internal/bus"
	"github.com/jerroldneal/kokorod/internal/job"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/taskstore"
)

// Publisher turns pipeline and job callbacks into bus events. It also closes
// the loop between the two: finished mp3 parts are fed back into the job
// manager, and failed job parts poison their job.
//
// Construction order at startup is pipeline -> manager -> BindJobs, so the
// jobs field is written exactly once before any event fires.
type Publisher struct {
	bus     *bus.Client
	archive *taskstore.Store
	jobs    *job.Manager
	logger  *slog.Logger
	ctx     context.Context
}

func NewPublisher(ctx context.Context, busClient *bus.Client, archive *taskstore.Store, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:     busClient,
		archive: archive,
		logger:  logger.With(slog.String("component", "dispatch")),
		ctx:     ctx,
	}
}

func (p *Publisher) BindJobs(m *job.Manager) {
	p.jobs = m
}

func (p *Publisher) Status(state, text string, snap protocol.PlaybackSnapshot) {
	evt := protocol.StatusEvent{
		Type:      protocol.TypeStatus,
		State:     state,
		Text:      text,
		Playback:  &snap,
		Timestamp: time.Now().UTC(),
	}
	p.publish(protocol.SubjectStatus, evt)
}

func (p *Publisher) TaskDone(task *pipeline.Task, ok bool, detail string) {
	evt := protocol.TaskDoneEvent{
		Type:      protocol.TypeTaskDone,
		ID:        task.ID,
		OK:        ok,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	p.publish(protocol.SubjectTaskDone, evt)
	if err := p.archive.SetOutcome(p.ctx, task.ID, ok, detail); err != nil {
		p.logger.Warn("task archive outcome update failed",
			slog.String("task_id", task.ID), slogError(err))
	}
}

func (p *Publisher) PartComplete(task *pipeline.Task, path string) {
	evt := protocol.PartCompleteEvent{
		Type:      protocol.TypePartComplete,
		JobID:     task.JobID,
		PartIndex: task.PartIndex,
		Path:      path,
	}
	p.publish(protocol.SubjectPartComplete, evt)
	if p.jobs != nil {
		p.jobs.HandlePartComplete(task.JobID, task.PartIndex, path)
	}
}

func (p *Publisher) TaskFailed(task *pipeline.Task, err error) {
	evt := protocol.ErrorEvent{
		Type:    protocol.TypeError,
		Message: err.Error(),
		TaskID:  task.ID,
		JobID:   task.JobID,
	}
	p.publish(protocol.SubjectError, evt)
	if task.JobID != "" && p.jobs != nil {
		p.jobs.Fail(task.JobID, err.Error())
	}
}

func (p *Publisher) Progress(jobID string, percent int, phase, detail string) {
	evt := protocol.ProgressEvent{
		Type:    protocol.TypeProgress,
		JobID:   jobID,
		Percent: percent,
		Phase:   phase,
		Detail:  detail,
	}
	p.publish(protocol.SubjectProgress, evt)
}

func (p *Publisher) JobFailed(jobID, message string) {
	evt := protocol.ErrorEvent{
		Type:    protocol.TypeError,
		Message: message,
		JobID:   jobID,
	}
	p.publish(protocol.SubjectError, evt)
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.logger.Warn("failed to publish event",
			slog.String("subject", subject), slogError(err))
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/jerroldneal/kokorod/internal/bus"
	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/job"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/taskstore"
)

// Service owns the inbound side of the speech protocol: it validates
// requests off the bus, routes them into the pipeline or the job manager,
// and answers request-reply callers with acks.
type Service struct {
	cfg     config.Config
	bus     *bus.Client
	pipe    *pipeline.Pipeline
	jobs    *job.Manager
	archive *taskstore.Store
	logger  *slog.Logger

	subSpeak   *nats.Subscription
	subControl *nats.Subscription
	subCombine *nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, pipe *pipeline.Pipeline, jobs *job.Manager, archive *taskstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		pipe:    pipe,
		jobs:    jobs,
		archive: archive,
		logger:  logger.With(slog.String("component", "dispatch")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	recent, err := s.archive.Recent(s.ctx, 0)
	if err != nil {
		s.logger.Warn("task archive warm start failed", slogError(err))
	} else if len(recent) > 0 {
		s.pipe.History().Warm(recent)
		s.logger.Info("task history warmed from archive", slog.Int("entries", len(recent)))
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subSpeak = sub

	subControl, err := s.bus.Conn().Subscribe(protocol.SubjectControl, s.handleControl)
	if err != nil {
		s.subSpeak.Drain()
		return err
	}
	s.subControl = subControl

	subCombine, err := s.bus.Conn().Subscribe(protocol.SubjectCombine, s.handleCombine)
	if err != nil {
		s.subSpeak.Drain()
		s.subControl.Drain()
		return err
	}
	s.subCombine = subCombine
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subSpeak != nil {
		_ = s.subSpeak.Drain()
	}
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	if s.subCombine != nil {
		_ = s.subCombine.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.subSpeak != nil && s.subControl != nil && s.subCombine != nil
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reject(msg, "", "", "malformed speak request")
		return
	}

	voiceID := req.Voice
	if voiceID == "" {
		voiceID = s.cfg.Synthesis.DefaultVoice
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.cfg.Synthesis.DefaultSpeed
	}

	task := pipeline.NewTask(req.Text, voiceID, speed)
	if req.OutputMode != "" {
		task.OutputMode = req.OutputMode
	}
	task.OutputPath = req.OutputPath
	task.AnnounceOnComplete = req.AnnounceOnComplete
	task.JobID = req.JobID
	task.PartIndex = req.PartIndex

	if err := task.Validate(); err != nil {
		s.logger.Warn("rejected speak request", slogError(err))
		s.reject(msg, "", req.JobID, err.Error())
		return
	}

	// Oversized file requests become multi-part jobs. Explicit parts of a
	// client-managed job are never re-split.
	if task.OutputMode == protocol.OutputMP3 && task.JobID == "" && s.jobs.Oversized(task.Text) {
		jobID, parts := s.jobs.SplitAndEnqueue(task.Text, task.Voice, task.Speed, task.OutputPath, task.AnnounceOnComplete)
		s.logger.Info("speak request split into job",
			slog.String("job_id", jobID),
			slog.Int("parts", parts))
		s.respond(msg, protocol.Ack{Type: protocol.TypeAck, ID: jobID})
		return
	}

	s.EnqueueTask(task)
	s.respond(msg, protocol.Ack{Type: protocol.TypeAck, ID: task.ID})
}

// EnqueueTask archives a task and hands it to the pipeline.
func (s *Service) EnqueueTask(task *pipeline.Task) {
	if err := s.archive.Append(s.ctx, task); err != nil {
		s.logger.Warn("task archive append failed", slogError(err))
	}
	s.pipe.Enqueue(task)
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		s.reject(msg, "", "", "malformed control request")
		return
	}
	if !protocol.KnownCommand(req.Command) {
		s.logger.Warn("unknown control command", slog.String("command", req.Command))
		s.reject(msg, "", "", "unknown command "+req.Command)
		return
	}

	if req.Command == protocol.CommandReplay {
		s.replay(msg, req.ID)
		return
	}

	if err := s.pipe.Control(req); err != nil {
		s.logger.Warn("control rejected", slogError(err))
		s.reject(msg, "", "", "control rejected")
		return
	}
	s.respond(msg, protocol.Ack{Type: protocol.TypeAck})
}

// replay re-enqueues a finished task as a fresh one. The in-memory ring is
// consulted first, then the archive, so replay survives a daemon restart.
func (s *Service) replay(msg *nats.Msg, id string) {
	var source *pipeline.Task
	if id == "" {
		source = s.pipe.History().Previous("")
	} else {
		source = s.pipe.History().Find(id)
		if source == nil {
			archived, err := s.archive.Find(s.ctx, id)
			if err != nil {
				s.logger.Warn("task archive lookup failed", slogError(err))
			}
			source = archived
		}
	}
	if source == nil {
		s.reject(msg, id, "", "no task to replay")
		return
	}
	clone := source.Clone()
	s.EnqueueTask(clone)
	s.logger.Info("task replayed",
		slog.String("source_id", source.ID),
		slog.String("task_id", clone.ID))
	s.respond(msg, protocol.Ack{Type: protocol.TypeAck, ID: clone.ID})
}

func (s *Service) handleCombine(msg *nats.Msg) {
	var req protocol.CombineRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode combine request", slogError(err))
		s.reject(msg, "", "", "malformed combine request")
		return
	}
	if err := s.jobs.RegisterCombine(req.JobID, req.PartPaths, req.OutputPath, req.CleanupParts); err != nil {
		s.logger.Warn("combine rejected", slogError(err))
		s.reject(msg, "", req.JobID, err.Error())
		return
	}
	s.respond(msg, protocol.Ack{Type: protocol.TypeAck, ID: req.JobID})
}

// reject publishes an error event and, for request-reply callers, answers
// with the same error payload.
func (s *Service) reject(msg *nats.Msg, taskID, jobID, message string) {
	evt := protocol.ErrorEvent{
		Type:    protocol.TypeError,
		Message: message,
		TaskID:  taskID,
		JobID:   jobID,
	}
	if err := s.bus.PublishJSON(protocol.SubjectError, evt); err != nil {
		s.logger.Warn("failed to publish error event", slogError(err))
	}
	s.respond(msg, evt)
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

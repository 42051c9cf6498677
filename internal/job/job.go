package job

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/pipeline"
	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/textsplit"
)

// Events receives job lifecycle notifications for the status bus. Detail is
// only set for the error phase.
type Events interface {
	Progress(jobID string, percent int, phase, detail string)
	JobFailed(jobID string, message string)
}

// Job tracks one multi-part artifact until its parts are combined.
type Job struct {
	ID           string
	OutputPath   string
	Total        int
	CleanupParts bool
	Announce     bool
	Voice        string
	Speed        float64

	expected []string
	parts    map[int]string
	failed   bool
	finished bool
}

// Manager splits oversized file requests into part tasks and combines the
// rendered parts into the final artifact once they have all arrived.
type Manager struct {
	cfg     config.JobsConfig
	enqueue func(*pipeline.Task)
	events  Events
	log     *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	orphans map[string]map[int]string
}

func NewManager(cfg config.JobsConfig, enqueue func(*pipeline.Task), events Events, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		enqueue: enqueue,
		events:  events,
		log:     log.With(slog.String("component", "jobs")),
		jobs:    make(map[string]*Job),
		orphans: make(map[string]map[int]string),
	}
}

// Oversized reports whether a file request must be split into parts. The
// budget counts runes, matching the splitter.
func (m *Manager) Oversized(text string) bool {
	return m.cfg.MaxCharsPerSection > 0 && utf8.RuneCountInString(text) > m.cfg.MaxCharsPerSection
}

// SplitAndEnqueue breaks text into sections, registers a job, and enqueues
// one file task per section. The final announcement, if requested, is spoken
// after the combined artifact is written, not after each part.
func (m *Manager) SplitAndEnqueue(text, voiceID string, speed float64, outputPath string, announce bool) (string, int) {
	sections := textsplit.Sections(text, m.cfg.MaxCharsPerSection)
	jobID := uuid.NewString()

	m.events.Progress(jobID, 0, protocol.PhaseSplitting, "")

	tasks := make([]*pipeline.Task, 0, len(sections))
	expected := make([]string, 0, len(sections))
	for i, section := range sections {
		task := pipeline.NewTask(section, voiceID, speed)
		task.OutputMode = protocol.OutputMP3
		task.OutputPath = PartPath(outputPath, i+1)
		task.JobID = jobID
		task.PartIndex = i + 1
		tasks = append(tasks, task)
		expected = append(expected, task.OutputPath)
	}

	m.mu.Lock()
	m.jobs[jobID] = &Job{
		ID:           jobID,
		OutputPath:   outputPath,
		Total:        len(sections),
		CleanupParts: m.cfg.CleanupParts,
		Announce:     announce,
		Voice:        voiceID,
		Speed:        speed,
		expected:     expected,
		parts:        make(map[int]string),
	}
	m.mu.Unlock()

	m.events.Progress(jobID, 0, protocol.PhaseGenerating, "")
	for _, task := range tasks {
		m.enqueue(task)
	}
	m.log.Info("job split into parts",
		slog.String("job_id", jobID),
		slog.Int("parts", len(sections)),
		slog.String("output", outputPath))
	return jobID, len(sections)
}

// RegisterCombine tracks a job whose parts are rendered by separate file
// requests. Parts that completed before registration are adopted.
func (m *Manager) RegisterCombine(jobID string, partPaths []string, outputPath string, cleanup *bool) error {
	if err := pipeline.ValidateJobID(jobID); err != nil {
		return err
	}
	if len(partPaths) == 0 {
		return fmt.Errorf("combine job %s lists no parts", jobID)
	}
	if outputPath == "" {
		return fmt.Errorf("combine job %s has no output path", jobID)
	}

	cleanupParts := m.cfg.CleanupParts
	if cleanup != nil {
		cleanupParts = *cleanup
	}

	m.mu.Lock()
	if _, exists := m.jobs[jobID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("job %s already registered", jobID)
	}
	job := &Job{
		ID:           jobID,
		OutputPath:   outputPath,
		Total:        len(partPaths),
		CleanupParts: cleanupParts,
		Voice:        "",
		expected:     append([]string(nil), partPaths...),
		parts:        make(map[int]string),
	}
	for index, path := range m.orphans[jobID] {
		if index >= 1 && index <= job.Total {
			job.parts[index] = path
		}
	}
	delete(m.orphans, jobID)
	m.jobs[jobID] = job
	m.mu.Unlock()

	m.events.Progress(jobID, 0, protocol.PhaseGenerating, "")
	m.settle(job.ID)
	return nil
}

// HandlePartComplete records one rendered part. Duplicate completions are
// ignored; the combine runs exactly once, when the last part lands.
func (m *Manager) HandlePartComplete(jobID string, partIndex int, path string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		stash, found := m.orphans[jobID]
		if !found {
			stash = make(map[int]string)
			m.orphans[jobID] = stash
		}
		stash[partIndex] = path
		m.mu.Unlock()
		return
	}
	if job.failed || job.finished {
		m.mu.Unlock()
		return
	}
	if partIndex < 1 || partIndex > job.Total {
		m.mu.Unlock()
		m.log.Warn("part index out of range",
			slog.String("job_id", jobID),
			slog.Int("part", partIndex))
		return
	}
	if _, dup := job.parts[partIndex]; dup {
		m.mu.Unlock()
		return
	}
	job.parts[partIndex] = path
	completed := len(job.parts)
	total := job.Total
	m.mu.Unlock()

	if completed < total {
		m.events.Progress(jobID, 100*completed/total, protocol.PhaseGenerating, "")
		return
	}
	m.settle(jobID)
}

// settle combines the job if every part has arrived.
func (m *Manager) settle(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.failed || job.finished || len(job.parts) < job.Total {
		m.mu.Unlock()
		return
	}
	job.finished = true
	paths := make([]string, job.Total)
	for i := 1; i <= job.Total; i++ {
		if path, ok := job.parts[i]; ok && path != "" {
			paths[i-1] = path
		} else {
			paths[i-1] = job.expected[i-1]
		}
	}
	output := job.OutputPath
	cleanup := job.CleanupParts
	announce := job.Announce
	voiceID := job.Voice
	speed := job.Speed
	m.mu.Unlock()

	m.events.Progress(jobID, 99, protocol.PhaseCombining, "")
	if err := combineParts(paths, output); err != nil {
		m.log.Error("combine failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		message := fmt.Sprintf("combine failed: %v", err)
		m.mu.Lock()
		job.failed = true
		m.mu.Unlock()
		m.events.Progress(jobID, 99, protocol.PhaseError, message)
		m.events.JobFailed(jobID, message)
		return
	}
	if cleanup {
		for _, path := range paths {
			if err := os.Remove(path); err != nil {
				m.log.Warn("part cleanup failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		}
	}
	m.log.Info("job combined",
		slog.String("job_id", jobID),
		slog.String("output", output),
		slog.Int("parts", len(paths)))
	m.events.Progress(jobID, 100, protocol.PhaseDone, "")

	if announce {
		task := pipeline.NewTask("Audio saved to "+filepath.Base(output), voiceID, speed)
		m.enqueue(task)
	}
}

// Fail poisons a job. Parts already on disk are kept for inspection and any
// parts that complete later are dropped.
func (m *Manager) Fail(jobID, message string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.failed || job.finished {
		m.mu.Unlock()
		return
	}
	job.failed = true
	completed := len(job.parts)
	total := job.Total
	m.mu.Unlock()

	percent := 0
	if total > 0 {
		percent = 100 * completed / total
	}
	if percent > 99 {
		percent = 99
	}
	m.events.Progress(jobID, percent, protocol.PhaseError, message)
	m.events.JobFailed(jobID, message)
}

// PartPath names one section of a multi-part artifact, counting from 1:
// speech.mp3 becomes speech-part-001.mp3.
func PartPath(outputPath string, index int) string {
	ext := filepath.Ext(outputPath)
	base := strings.TrimSuffix(outputPath, ext)
	return fmt.Sprintf("%s-part-%03d%s", base, index, ext)
}

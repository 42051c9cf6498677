package pipeline

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/jerroldneal/kokorod/internal/protocol"
	"github.com/jerroldneal/kokorod/internal/voice"
)

// Task is one synthesis request flowing through the queue. Fields are fixed
// at enqueue time; everything downstream treats a task as immutable.
type Task struct {
	ID                 string    `json:"id"`
	Text               string    `json:"text"`
	Voice              string    `json:"voice"`
	Speed              float64   `json:"speed"`
	OutputMode         string    `json:"output_mode"`
	OutputPath         string    `json:"output_path,omitempty"`
	AnnounceOnComplete bool      `json:"announce_on_complete,omitempty"`
	JobID              string    `json:"job_id,omitempty"`
	PartIndex          int       `json:"part_index,omitempty"`
	StartAtSegment     int       `json:"start_at_segment,omitempty"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// NewTask builds a live task with a fresh id.
func NewTask(text, voiceID string, speed float64) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Text:       text,
		Voice:      voiceID,
		Speed:      speed,
		OutputMode: protocol.OutputLive,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Clone copies the task under a fresh id, the way replay and restart
// re-enqueue history entries.
func (t *Task) Clone() *Task {
	c := *t
	c.ID = uuid.NewString()
	c.StartAtSegment = 0
	c.EnqueuedAt = time.Now().UTC()
	return &c
}

// Validate rejects a task before it reaches the queue. All failures are
// ValidationErrors.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Text) == "" {
		return &ValidationError{Reason: "text is empty"}
	}
	if err := voice.Validate(t.Voice); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if t.Speed <= 0 {
		return &ValidationError{Reason: "speed must be positive"}
	}
	switch t.OutputMode {
	case protocol.OutputLive, protocol.OutputMP3:
	default:
		return &ValidationError{Reason: "output_mode must be live or mp3"}
	}
	if t.OutputMode == protocol.OutputMP3 && t.OutputPath == "" {
		return &ValidationError{Reason: "output_path required for mp3 output"}
	}
	if t.JobID != "" {
		if err := ValidateJobID(t.JobID); err != nil {
			return err
		}
		if t.OutputMode != protocol.OutputMP3 {
			return &ValidationError{Reason: "job parts must use mp3 output"}
		}
		if t.PartIndex < 1 {
			return &ValidationError{Reason: "part_index must be >= 1 for job parts"}
		}
	}
	return nil
}

// ValidateJobID enforces the id shape shared by tasks and combine requests.
func ValidateJobID(id string) error {
	if id == "" {
		return &ValidationError{Reason: "job_id is empty"}
	}
	if len(id) > 128 {
		return &ValidationError{Reason: "job_id exceeds 128 characters"}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Reason: "job_id contains whitespace or control characters"}
		}
	}
	return nil
}

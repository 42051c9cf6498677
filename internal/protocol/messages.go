package protocol

import "time"

// Message type tags, shared by the bus payloads and the stdio line protocol.
const (
	TypeSpeak   = "speak"
	TypeControl = "control"
	TypeCombine = "combine_mp3"

	TypeStatus       = "status"
	TypeProgress     = "progress"
	TypePartComplete = "mp3_complete"
	TypeTaskDone     = "task_done"
	TypeError        = "error"
	TypeAck          = "ack"
)

const (
	SubjectSpeak   = "speech.task.speak"
	SubjectControl = "speech.control"
	SubjectCombine = "speech.job.combine"

	SubjectStatus       = "speech.status"
	SubjectProgress     = "speech.progress"
	SubjectPartComplete = "speech.part.complete"
	SubjectTaskDone     = "speech.task.done"
	SubjectError        = "speech.error"
)

// Top-level pipeline states.
const (
	StateInitializing = "initializing"
	StateIdle         = "idle"
	StateProcessing   = "processing"
	StateError        = "error"
)

// Playback control commands.
const (
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandStop     = "stop"
	CommandRestart  = "restart"
	CommandNext     = "next"
	CommandPrevious = "previous"
	CommandStartAt  = "start_at"
	CommandReplay   = "replay"
)

// Task output modes.
const (
	OutputLive = "live"
	OutputMP3  = "mp3"
)

// Combine job phases.
const (
	PhaseSplitting  = "splitting"
	PhaseGenerating = "generating"
	PhaseCombining  = "combining"
	PhaseDone       = "done"
	PhaseError      = "error"
)

// SpeakRequest asks for one synthesis task. Voice and speed fall back to the
// configured defaults when omitted. JobID and PartIndex tie an mp3 task to a
// combine job.
type SpeakRequest struct {
	Type               string  `json:"type"`
	Text               string  `json:"text"`
	Voice              string  `json:"voice,omitempty"`
	Speed              float64 `json:"speed,omitempty"`
	OutputMode         string  `json:"output_mode,omitempty"`
	OutputPath         string  `json:"output_path,omitempty"`
	AnnounceOnComplete bool    `json:"announce_on_complete,omitempty"`
	JobID              string  `json:"job_id,omitempty"`
	PartIndex          int     `json:"part_index,omitempty"`
}

// ControlRequest carries one playback command. Index parametrizes start_at,
// ID parametrizes replay.
type ControlRequest struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Index   int    `json:"index,omitempty"`
	ID      string `json:"id,omitempty"`
}

// CombineRequest registers a combine job over already-assigned part paths.
// CleanupParts defaults to true when omitted.
type CombineRequest struct {
	Type         string   `json:"type"`
	JobID        string   `json:"job_id"`
	PartPaths    []string `json:"part_paths"`
	OutputPath   string   `json:"output_path"`
	CleanupParts *bool    `json:"cleanup_parts,omitempty"`
}

// PlaybackSnapshot is the full controller state published with every status
// transition, never a partial update.
type PlaybackSnapshot struct {
	Paused              bool   `json:"paused"`
	CurrentTaskID       string `json:"current_task_id,omitempty"`
	CurrentSegmentIndex int    `json:"current_segment_index"`
	CurrentSampleOffset int64  `json:"current_sample_offset"`
}

// StatusEvent reports the pipeline state.
type StatusEvent struct {
	Type      string            `json:"type"`
	State     string            `json:"state"`
	Text      string            `json:"text,omitempty"`
	Playback  *PlaybackSnapshot `json:"playback,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ProgressEvent reports combine job advancement. Detail carries the failure
// message for the error phase.
type ProgressEvent struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
	Phase   string `json:"phase"`
	Detail  string `json:"detail,omitempty"`
}

// PartCompleteEvent reports one finished mp3 part of a combine job.
type PartCompleteEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	PartIndex int    `json:"part_index"`
	Path      string `json:"path,omitempty"`
}

// TaskDoneEvent reports the end of a task, successful or not.
type TaskDoneEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is a scoped failure report; the pipeline itself keeps running.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// Ack answers request-reply submissions with the assigned id.
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

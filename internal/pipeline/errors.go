package pipeline

import "fmt"

// ValidationError rejects a request before it reaches the queue. The sender
// gets it back; nothing is enqueued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// SynthesisError scopes a model failure to one task. The rest of the task's
// segments are skipped; the pipeline moves on.
type SynthesisError struct {
	TaskID string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed for task %s: %v", e.TaskID, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// SinkError scopes an audio output failure to one task. Playback of that
// task aborts; the pipeline moves on.
type SinkError struct {
	TaskID string
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("audio sink failed for task %s: %v", e.TaskID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

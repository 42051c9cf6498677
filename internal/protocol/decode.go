package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks lines whose type tag is outside the inbound
// vocabulary. Callers log and move on; an unparseable line never stops the
// pipeline.
var ErrUnknownType = errors.New("unknown message type")

type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound classifies one inbound line into a typed request.
func DecodeInbound(line []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	switch env.Type {
	case TypeSpeak:
		var m SpeakRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed speak request: %w", err)
		}
		return &m, nil
	case TypeControl:
		var m ControlRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed control request: %w", err)
		}
		return &m, nil
	case TypeCombine:
		var m CombineRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("malformed combine request: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// KnownCommand reports whether cmd belongs to the control vocabulary.
func KnownCommand(cmd string) bool {
	switch cmd {
	case CommandPause, CommandResume, CommandStop, CommandRestart,
		CommandNext, CommandPrevious, CommandStartAt, CommandReplay:
		return true
	}
	return false
}

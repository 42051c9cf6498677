package sink

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execEncoder hands PCM to an external encoder, ffmpeg or lame style: raw
// float32 frames on stdin, destination path appended as the final argument.
type execEncoder struct {
	cmd []string
}

func NewExecEncoder(command string) (Encoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("encoder command empty")
	}
	return &execEncoder{cmd: args}, nil
}

func (e *execEncoder) Encode(ctx context.Context, path string, samples []float32, sampleRate int) error {
	base := e.cmd[0]
	args := append(append([]string{}, e.cmd[1:]...), path)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(pcmBytes(samples))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("encoder %s: %w: %s", base, err, bytes.TrimSpace(out))
	}
	return nil
}

package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jerroldneal/kokorod/internal/sink"
)

// combineParts joins part files into the final artifact. MP3 frames
// concatenate byte-for-byte; WAV parts are decoded and re-encoded so the
// output carries a single correct header.
func combineParts(paths []string, outputPath string) error {
	if strings.EqualFold(filepath.Ext(outputPath), ".wav") {
		return combineWAV(paths, outputPath)
	}
	return combineRaw(paths, outputPath)
}

func combineRaw(paths []string, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outputPath, err)
	}
	defer out.Close()

	for _, path := range paths {
		part, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open part %s: %w", path, err)
		}
		_, err = io.Copy(out, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("append part %s: %w", path, err)
		}
	}
	return out.Close()
}

func combineWAV(paths []string, outputPath string) error {
	var (
		samples []float32
		rate    int
	)
	for _, path := range paths {
		partSamples, partRate, err := sink.ReadWAV(path)
		if err != nil {
			return fmt.Errorf("read part %s: %w", path, err)
		}
		if rate == 0 {
			rate = partRate
		} else if partRate != rate {
			return fmt.Errorf("part %s has sample rate %d, expected %d", path, partRate, rate)
		}
		samples = append(samples, partSamples...)
	}
	if rate == 0 {
		return fmt.Errorf("no audio in parts")
	}
	return sink.WriteWAV(outputPath, samples, rate)
}

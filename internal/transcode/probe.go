package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Seam for tests.
var commandContext = exec.CommandContext

// probeDuration asks ffprobe for the container duration of the input. The
// result anchors percent-complete; a failure just means coarse progress.
func probeDuration(ctx context.Context, ffprobePath, inputPath string) (time.Duration, error) {
	cmd := commandContext(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", inputPath, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %v", seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

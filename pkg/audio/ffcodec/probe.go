package ffcodec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeDuration returns the duration of a media file in seconds using
// ffprobe. binary defaults to "ffprobe" from PATH.
func ProbeDuration(ctx context.Context, binary, path string) (float64, error) {
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && len(exit.Stderr) > 0 {
			return 0, fmt.Errorf("ffcodec: probe %s: %s", path, strings.TrimSpace(string(exit.Stderr)))
		}
		return 0, fmt.Errorf("ffcodec: probe %s: %w", path, err)
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffcodec: probe %s: unparseable duration %q", path, strings.TrimSpace(string(out)))
	}
	if sec <= 0 {
		return 0, fmt.Errorf("ffcodec: probe %s: duration not determinable", path)
	}
	return sec, nil
}

package transcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Progress carries one parsed block of ffmpeg -progress output. Speed is
// the realtime multiplier from the "speed=N.NNx" field, 0 when unknown.
type Progress struct {
	OutTimeUs int64
	Speed     float64
}

// parseProgress reads key=value lines from r and invokes emit once per
// block. ffmpeg flushes a block with a trailing "progress=continue" (or
// "end") line, so that key is the emit trigger; everything else
// accumulates. Unparsable lines are skipped.
func parseProgress(r io.Reader, emit func(Progress)) {
	scanner := bufio.NewScanner(r)
	var current Progress

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.OutTimeUs = v
			}
		case "speed":
			if v, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
				current.Speed = v
			}
		case "progress":
			if val == "continue" || val == "end" {
				emit(current)
			}
		}
	}
}

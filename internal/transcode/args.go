package transcode

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultCRF is applied when a request carries no quality parameter.
const DefaultCRF = 23

// DefaultEncoder is the software H.264 encoder used unless overridden.
const DefaultEncoder = "libx264"

var allowedEncoders = map[string]struct{}{
	"libx264": {},
	"libx265": {},
}

// Args is the validated ffmpeg invocation for one conversion. It is passed
// to the process as a discrete argument vector, never through a shell.
type Args struct {
	InputPath    string
	OutputPath   string
	Encoder      string
	Preset       string
	CRF          int
	AudioBitrate string
}

func (a Args) Validate() error {
	if a.InputPath == "" {
		return fmt.Errorf("input path is required")
	}
	if a.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if strings.TrimSpace(a.Preset) == "" {
		return fmt.Errorf("preset is required")
	}
	if a.CRF < 0 || a.CRF > 51 {
		return fmt.Errorf("crf %d out of range [0,51]", a.CRF)
	}
	if _, ok := allowedEncoders[a.Encoder]; !ok {
		return fmt.Errorf("unsupported encoder %q", a.Encoder)
	}
	return nil
}

// Vector renders the argument list handed to the ffmpeg binary. Progress is
// requested on stdout as machine-readable key=value blocks.
func (a Args) Vector() []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", a.InputPath,
		"-c:v", a.Encoder,
		"-preset", a.Preset,
		"-crf", strconv.Itoa(a.CRF),
		"-c:a", "aac",
		"-b:a", a.AudioBitrate,
		"-progress", "pipe:1",
		"-nostats",
		a.OutputPath,
	}
}

// ResolveUnder joins name onto root and rejects results that would escape
// it. Guards the relative-path request fields against directory traversal.
func ResolveUnder(root, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("filename is required")
	}
	root = filepath.Clean(root)
	joined := filepath.Clean(filepath.Join(root, name))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", name, root)
	}
	return joined, nil
}

// OutputName swaps the container extension for the target format.
func OutputName(inputName string) string {
	return strings.TrimSuffix(filepath.Base(inputName), filepath.Ext(inputName)) + ".mp4"
}

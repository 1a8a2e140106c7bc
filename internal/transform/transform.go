// Package transform runs the external frame-extraction process that turns a
// source video into thumbnail artifacts.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
)

// Artifact describes one derived output of a transform unit.
type Artifact struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	// At is the frame timestamp as HH:MM:SS.
	At     string `yaml:"at"`
	Format string `yaml:"format"`
}

// FileName is the artifact's base name at the destination.
func (a Artifact) FileName() string {
	return a.Name + "." + a.Format
}

var timestampRe = regexp.MustCompile(`^\d{2,}:[0-5]\d:[0-5]\d(\.\d+)?$`)

// Validate checks that the artifact can be passed to the transform binary.
func (a Artifact) Validate() error {
	if a.Name == "" || strings.ContainsAny(a.Name, `/\`) {
		return fmt.Errorf("artifact name %q must be a non-empty base name", a.Name)
	}
	if a.Width <= 0 || a.Height <= 0 {
		return fmt.Errorf("artifact %s: width and height must be positive", a.Name)
	}
	if !timestampRe.MatchString(a.At) {
		return fmt.Errorf("artifact %s: timestamp %q is not HH:MM:SS", a.Name, a.At)
	}
	if a.Format == "" {
		return fmt.Errorf("artifact %s: format is required", a.Name)
	}
	return nil
}

// DefaultArtifacts returns the landscape thumbnail set: one per device class,
// taken five minutes into the video.
func DefaultArtifacts() []Artifact {
	return []Artifact{
		{Name: "landscape-regular-thumb-mobile", Width: 260, Height: 163, At: "00:05:00", Format: "jpg"},
		{Name: "landscape-regular-thumb-tablet", Width: 377, Height: 236, At: "00:05:00", Format: "jpg"},
		{Name: "landscape-regular-thumb-tv", Width: 426, Height: 267, At: "00:05:00", Format: "jpg"},
	}
}

// Transformer produces one artifact file from a local input file.
type Transformer interface {
	Extract(ctx context.Context, input, output string, a Artifact) error
}

// TransformError reports a failed transform of one artifact.
type TransformError struct {
	Artifact string
	ExitCode int
	// Stderr holds the last lines the process wrote.
	Stderr string
	Err    error
}

func (e *TransformError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transform %s", e.Artifact)
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", e.Stderr)
	}
	return b.String()
}

func (e *TransformError) Unwrap() error { return e.Err }

// IsTransformError reports whether err is a TransformError.
func IsTransformError(err error) bool {
	var te *TransformError
	return errors.As(err, &te)
}

// FFmpeg extracts single frames with the ffmpeg binary.
type FFmpeg struct {
	Binary    string
	ExtraArgs []string
	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed on context cancellation.
	WaitDelay time.Duration
	// StderrLines is how many trailing stderr lines are kept in errors.
	StderrLines int
}

// NewFFmpeg creates an FFmpeg transformer. An empty binary means "ffmpeg"
// from PATH.
func NewFFmpeg(binary string, extraArgs []string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		Binary:      binary,
		ExtraArgs:   extraArgs,
		WaitDelay:   5 * time.Second,
		StderrLines: 20,
	}
}

// Args builds the argument list for one extraction.
func (f *FFmpeg) Args(input, output string, a Artifact) []string {
	args := []string{"-y", "-i", input, "-ss", a.At, "-vframes", "1",
		"-vf", "scale=" + strconv.Itoa(a.Width) + ":" + strconv.Itoa(a.Height)}
	args = append(args, f.ExtraArgs...)
	return append(args, output)
}

// Extract runs ffmpeg for one artifact. A non-zero exit, a cancelled context
// or a missing or empty output file is reported as a TransformError.
func (f *FFmpeg) Extract(ctx context.Context, input, output string, a Artifact) error {
	start := time.Now()
	defer func() {
		if m := metrics.Get(); m != nil {
			m.ObserveTransformDuration(metrics.Labels{Artifact: a.Name}, time.Since(start).Seconds())
		}
	}()

	cmd := exec.CommandContext(ctx, f.Binary, f.Args(input, output, a)...)
	cmd.WaitDelay = f.WaitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("running transform", "component", "transform", "artifact", a.Name, "args", cmd.Args)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &TransformError{Artifact: a.Name, Stderr: tail(stderr.String(), f.StderrLines), Err: ctxErr}
	}
	if err != nil {
		te := &TransformError{Artifact: a.Name, Stderr: tail(stderr.String(), f.StderrLines)}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			te.ExitCode = exitErr.ExitCode()
		} else {
			te.Err = err
		}
		return te
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return &TransformError{
			Artifact: a.Name,
			Stderr:   tail(stderr.String(), f.StderrLines),
			Err:      fmt.Errorf("no output produced at %s", output),
		}
	}
	return nil
}

// tail returns the last n non-empty lines of s joined with " | ".
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, " | ")
}

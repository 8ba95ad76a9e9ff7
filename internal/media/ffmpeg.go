// Package media wraps ffmpeg for the two audio transforms the narration
// pipeline needs: tempo adjustment and ordered concatenation.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	minAtempo = 0.5
	maxAtempo = 2.0
)

var (
	// ErrFFmpegNotFound is returned when the configured ffmpeg binary is not installed.
	ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")
	// ErrToolFailed is returned when ffmpeg exits unsuccessfully.
	ErrToolFailed = errors.New("ffmpeg failed")
	// ErrInvalidFactor is returned for non-positive tempo factors.
	ErrInvalidFactor = errors.New("tempo factor must be positive")
	// ErrNoInputs is returned when Concat is called without inputs.
	ErrNoInputs = errors.New("no audio inputs to merge")
)

// Tool runs ffmpeg. The command may carry a wrapper and extra arguments,
// e.g. "docker run --rm -v /data:/data jrottenberg/ffmpeg".
type Tool struct {
	cmd    []string
	logger *slog.Logger
}

// NewTool parses command and verifies its executable exists.
func NewTool(command string, logger *slog.Logger) (*Tool, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFFmpegNotFound, args[0])
	}
	return NewToolWithArgs(args, logger), nil
}

// NewToolWithArgs skips command parsing and the PATH lookup.
func NewToolWithArgs(args []string, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{cmd: append([]string(nil), args...), logger: logger.With(slog.String("component", "ffmpeg"))}
}

// AdjustTempo rewrites in to out with playback speed multiplied by factor.
// Pitch is preserved by ffmpeg's atempo filter.
func (t *Tool) AdjustTempo(ctx context.Context, in, out string, factor float64) error {
	filter, err := TempoFilter(factor)
	if err != nil {
		return err
	}
	if _, err := os.Stat(in); err != nil {
		return fmt.Errorf("tempo input: %w", err)
	}
	return t.run(ctx, "-y", "-i", in, "-filter:a", filter, "-vn", out)
}

// Concat merges MP3 inputs, in order, into out. ffmpeg writes to a sibling
// ".partial" file that is renamed onto out only after a clean exit, so out
// never holds a truncated merge.
func (t *Tool) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return fmt.Errorf("merge input: %w", err)
		}
	}

	list, err := writeConcatList(inputs, out)
	if err != nil {
		return err
	}
	defer os.Remove(list)

	partial := out + ".partial"
	err = t.run(ctx, "-y", "-f", "concat", "-safe", "0", "-i", list, "-c", "copy", "-f", "mp3", partial)
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, out); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("finalize merged audio: %w", err)
	}
	return nil
}

func (t *Tool) run(ctx context.Context, args ...string) error {
	argv := append(append([]string{}, t.cmd[1:]...), "-hide_banner", "-loglevel", "error")
	argv = append(argv, args...)

	t.logger.Debug("running ffmpeg", slog.String("args", strings.Join(argv, " ")))
	cmd := exec.CommandContext(ctx, t.cmd[0], argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v: %s", ErrToolFailed, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// TempoFilter builds an atempo filter chain whose product is factor, with
// each stage inside the range a single atempo filter accepts.
func TempoFilter(factor float64) (string, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return "", ErrInvalidFactor
	}
	var stages []string
	remaining := factor
	for remaining > maxAtempo {
		stages = append(stages, formatFactor(maxAtempo))
		remaining /= maxAtempo
	}
	for remaining < minAtempo {
		stages = append(stages, formatFactor(minAtempo))
		remaining /= minAtempo
	}
	stages = append(stages, formatFactor(remaining))
	for i := range stages {
		stages[i] = "atempo=" + stages[i]
	}
	return strings.Join(stages, ","), nil
}

func formatFactor(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// writeConcatList writes an ffmpeg concat-demuxer list next to out.
func writeConcatList(inputs []string, out string) (string, error) {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return "", fmt.Errorf("resolve merge input: %w", err)
		}
		b.WriteString("file ")
		b.WriteString(quoteConcatPath(abs))
		b.WriteString("\n")
	}
	f, err := os.CreateTemp(filepath.Dir(out), ".concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write concat list: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return f.Name(), nil
}

// quoteConcatPath single-quotes p for the concat demuxer, where an embedded
// quote is written as '\''.
func quoteConcatPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/logging"
)

func TestTempoFilter(t *testing.T) {
	tests := []struct {
		factor float64
		want   string
	}{
		{1.0, "atempo=1"},
		{1.25, "atempo=1.25"},
		{0.5, "atempo=0.5"},
		{2.0, "atempo=2"},
		{3.0, "atempo=2,atempo=1.5"},
		{8.0, "atempo=2,atempo=2,atempo=2"},
		{0.2, "atempo=0.5,atempo=0.5,atempo=0.8"},
	}
	for _, tt := range tests {
		got, err := TempoFilter(tt.factor)
		if err != nil {
			t.Fatalf("TempoFilter(%v) error = %v", tt.factor, err)
		}
		if got != tt.want {
			t.Errorf("TempoFilter(%v) = %q, want %q", tt.factor, got, tt.want)
		}
	}
}

func TestTempoFilterInvalid(t *testing.T) {
	for _, f := range []float64{0, -1.5} {
		if _, err := TempoFilter(f); !errors.Is(err, ErrInvalidFactor) {
			t.Errorf("TempoFilter(%v) error = %v, want ErrInvalidFactor", f, err)
		}
	}
}

func TestQuoteConcatPath(t *testing.T) {
	got := quoteConcatPath("/tmp/it's here.mp3")
	want := `'/tmp/it'\''s here.mp3'`
	if got != want {
		t.Errorf("quoteConcatPath() = %s, want %s", got, want)
	}
}

func TestWriteConcatListPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{filepath.Join(dir, "chunk_0002.mp3"), filepath.Join(dir, "chunk_0001.mp3")}
	list, err := writeConcatList(inputs, filepath.Join(dir, "out.mp3"))
	if err != nil {
		t.Fatalf("writeConcatList() error = %v", err)
	}
	data, err := os.ReadFile(list)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", data)
	}
	if !strings.Contains(lines[0], "chunk_0002.mp3") || !strings.Contains(lines[1], "chunk_0001.mp3") {
		t.Errorf("list order not preserved: %q", data)
	}
}

func TestConcatNoInputs(t *testing.T) {
	tool := NewToolWithArgs([]string{"ffmpeg"}, logging.Discard())
	if err := tool.Concat(context.Background(), nil, filepath.Join(t.TempDir(), "out.mp3")); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("Concat(nil) error = %v, want ErrNoInputs", err)
	}
}

func TestConcatMissingInput(t *testing.T) {
	dir := t.TempDir()
	tool := NewToolWithArgs([]string{"ffmpeg"}, logging.Discard())
	out := filepath.Join(dir, "out.mp3")
	err := tool.Concat(context.Background(), []string{filepath.Join(dir, "missing.mp3")}, out)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Concat(missing) error = %v, want not-exist", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("failed merge must not create the output")
	}
}

func TestAdjustTempoMissingInput(t *testing.T) {
	tool := NewToolWithArgs([]string{"ffmpeg"}, logging.Discard())
	dir := t.TempDir()
	if err := tool.AdjustTempo(context.Background(), filepath.Join(dir, "missing.mp3"), filepath.Join(dir, "out.mp3"), 1.2); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestToolFailureKeepsOutputAbsent(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "chunk_0001.mp3")
	if err := os.WriteFile(in, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "article.mp3")
	tool := NewToolWithArgs([]string{"false"}, logging.Discard())

	err := tool.Concat(context.Background(), []string{in}, out)
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("Concat() error = %v, want ErrToolFailed", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the input to remain, got %d entries", len(entries))
	}
}

func TestNewToolNotFound(t *testing.T) {
	_, err := NewTool("definitely-not-ffmpeg-binary", logging.Discard())
	if !errors.Is(err, ErrFFmpegNotFound) {
		t.Fatalf("NewTool() error = %v, want ErrFFmpegNotFound", err)
	}
}

func TestFFmpegTempoAndConcat(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed, skipping ffmpeg tests")
	}
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var inputs []string
	for _, name := range []string{"chunk_0001.mp3", "chunk_0002.mp3"} {
		path := filepath.Join(dir, name)
		gen := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "lavfi", "-i", "sine=frequency=440:duration=1", "-c:a", "libmp3lame", path)
		if err := gen.Run(); err != nil {
			t.Skipf("ffmpeg cannot encode mp3: %v", err)
		}
		inputs = append(inputs, path)
	}

	tool, err := NewTool("ffmpeg", logging.Discard())
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}
	faster := filepath.Join(dir, "chunk_0001.tempo.mp3")
	if err := tool.AdjustTempo(ctx, inputs[0], faster, 1.5); err != nil {
		t.Fatalf("AdjustTempo() error = %v", err)
	}
	out := filepath.Join(dir, "article.mp3")
	if err := tool.Concat(ctx, []string{faster, inputs[1]}, out); err != nil {
		t.Fatalf("Concat() error = %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("merged output is empty")
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind")
	}
}

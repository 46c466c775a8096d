package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vcs2graph/internal/config"
	"vcs2graph/internal/gitio"
	"vcs2graph/internal/graph"
)

// Environment variables passed to analyzer commands.
const (
	EnvRevision = "VCS2GRAPH_REVISION"
	EnvCommit   = "VCS2GRAPH_COMMIT"
	EnvWorktree = "VCS2GRAPH_WORKTREE"
	EnvOutput   = "VCS2GRAPH_OUTPUT"
)

// stderrTail bounds how much command output is quoted in errors.
const stderrTail = 2048

// CommandAnalyzer runs an external shell command that writes a snapshot
// file in JSON or GXL format.
type CommandAnalyzer struct {
	AnalyzerName string
	Directory    string // relative to the work tree
	Command      string
	Output       string // snapshot file relative to Directory; a temporary file when empty
	Format       string
	Timeout      time.Duration
	Env          map[string]string
	Logger       *slog.Logger
}

// Name returns the configured analyzer name.
func (a *CommandAnalyzer) Name() string {
	return a.AnalyzerName
}

// Analyze runs the command in the work tree and decodes its output file.
func (a *CommandAnalyzer) Analyze(ctx context.Context, rev *gitio.Revision, workdir string) (*graph.Snapshot, error) {
	dir := filepath.Join(workdir, filepath.FromSlash(a.Directory))
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s: directory %s missing in revision", ErrAnalysisFailed, a.AnalyzerName, a.Directory)
	}

	output, cleanup, err := a.outputPath(dir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(),
		EnvRevision+"="+strconv.Itoa(rev.Index),
		EnvCommit+"="+rev.CommitID,
		EnvWorktree+"="+workdir,
		EnvOutput+"="+output,
	)
	for k, v := range a.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	err = cmd.Run()
	a.logger().Debug("analyzer command finished",
		"analyzer", a.AnalyzerName,
		"revision", rev.Index,
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s: timed out after %s", ErrAnalysisFailed, a.AnalyzerName, a.Timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrAnalysisFailed, a.AnalyzerName, err, tail(stderr.String()))
	}

	f, err := os.Open(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: no snapshot written: %v", ErrAnalysisFailed, a.AnalyzerName, err)
	}
	defer f.Close()

	var snap *graph.Snapshot
	switch a.Format {
	case config.FormatGXL:
		snap, err = DecodeGXL(f)
	default:
		snap, err = DecodeJSON(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysisFailed, a.AnalyzerName, err)
	}
	return snap, nil
}

// outputPath returns where the command must write its snapshot. A stale
// file from a previous revision is removed first.
func (a *CommandAnalyzer) outputPath(dir string) (string, func(), error) {
	if a.Output != "" {
		p := filepath.Join(dir, filepath.FromSlash(a.Output))
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("removing stale snapshot: %w", err)
		}
		return p, func() {}, nil
	}

	tmp, err := os.MkdirTemp("", "vcs2graph-"+a.AnalyzerName+"-")
	if err != nil {
		return "", nil, fmt.Errorf("creating output directory: %w", err)
	}
	ext := ".json"
	if a.Format == config.FormatGXL {
		ext = ".gxl"
	}
	return filepath.Join(tmp, "snapshot"+ext), func() { os.RemoveAll(tmp) }, nil
}

func (a *CommandAnalyzer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}

// Package analysis runs the configured analyzers against a materialized
// revision and combines their output into one raw snapshot.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vcs2graph/internal/config"
	"vcs2graph/internal/gitio"
	"vcs2graph/internal/graph"
	"vcs2graph/internal/scope"
)

// ErrAnalysisFailed marks a revision whose analysis produced no usable
// snapshot. The revision is skipped, not fatal.
var ErrAnalysisFailed = errors.New("analysis failed")

// Analyzer extracts a raw snapshot from a revision checked out in workdir.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, rev *gitio.Revision, workdir string) (*graph.Snapshot, error)
}

// Runner runs analyzers in order and unions their snapshots.
type Runner struct {
	analyzers []Analyzer
	logger    *slog.Logger
}

// NewRunner returns a runner over the given analyzers.
func NewRunner(logger *slog.Logger, analyzers ...Analyzer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{analyzers: analyzers, logger: logger}
}

// FromConfig builds the analyzers described by cfg. Only paths matched by
// m are analyzed by the built-in analyzer.
func FromConfig(cfg *config.Config, m *scope.Matcher, logger *slog.Logger) (*Runner, error) {
	var analyzers []Analyzer
	for _, a := range cfg.Analyzers {
		switch a.Type {
		case config.TypeCommand:
			analyzers = append(analyzers, &CommandAnalyzer{
				AnalyzerName: a.Name,
				Directory:    a.Directory,
				Command:      a.Command,
				Output:       a.Output,
				Format:       a.Format,
				Timeout:      a.Timeout.Duration,
				Env:          cfg.Environment,
				Logger:       logger,
			})
		case config.TypeTreeSitter:
			analyzers = append(analyzers, &TreeSitterAnalyzer{
				AnalyzerName: a.Name,
				Directory:    a.Directory,
				Scope:        m,
				Timeout:      a.Timeout.Duration,
			})
		default:
			return nil, fmt.Errorf("%w: analyzer %s: unknown type %q", config.ErrConfiguration, a.Name, a.Type)
		}
	}
	return NewRunner(logger, analyzers...), nil
}

// Analyze runs every analyzer against workdir. Any failing analyzer fails
// the whole revision, since a partial snapshot would read as deletions.
func (r *Runner) Analyze(ctx context.Context, rev *gitio.Revision, workdir string) (*graph.Snapshot, error) {
	snap := &graph.Snapshot{}
	for _, a := range r.analyzers {
		start := time.Now()
		s, err := a.Analyze(ctx, rev, workdir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, ErrAnalysisFailed) {
				err = fmt.Errorf("%w: %s: %w", ErrAnalysisFailed, a.Name(), err)
			}
			return nil, err
		}
		r.logger.Debug("analyzer finished",
			"analyzer", a.Name(),
			"revision", rev.Index,
			"nodes", len(s.Nodes),
			"edges", len(s.Edges),
			"duration", time.Since(start))
		snap.Append(s)
	}
	return union(snap), nil
}

// union drops nodes and edges reported identically by more than one
// analyzer. Conflicting duplicates are left for the merger to report.
func union(s *graph.Snapshot) *graph.Snapshot {
	out := &graph.Snapshot{
		Nodes: make([]graph.RawNode, 0, len(s.Nodes)),
		Edges: make([]graph.RawEdge, 0, len(s.Edges)),
	}
	seenNodes := make(map[graph.RawNode]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if !seenNodes[n] {
			seenNodes[n] = true
			out.Nodes = append(out.Nodes, n)
		}
	}
	seenEdges := make(map[graph.RawEdge]bool, len(s.Edges))
	for _, e := range s.Edges {
		if !seenEdges[e] {
			seenEdges[e] = true
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

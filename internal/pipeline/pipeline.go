// Package pipeline drives the incremental merge: crawl a revision,
// materialize it, analyze it, merge the snapshot, checkpoint, export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vcs2graph/internal/analysis"
	"vcs2graph/internal/checkpoint"
	"vcs2graph/internal/gitio"
	"vcs2graph/internal/graph"
)

// ErrHistoryChanged is returned when the checkpointed revision no longer
// names the same commit, e.g. after a rebase or a changed "from" ref.
var ErrHistoryChanged = errors.New("history changed since checkpoint")

// Crawler yields the linearized revisions of a repository.
type Crawler interface {
	Len() int
	CommitID(index int) (string, bool)
	Skip(n int)
	Next(ctx context.Context) (*gitio.Revision, error)
	Materialize(ctx context.Context, rev *gitio.Revision, dir string) error
}

// Analyzer produces the raw snapshot of a materialized revision.
type Analyzer interface {
	Analyze(ctx context.Context, rev *gitio.Revision, workdir string) (*graph.Snapshot, error)
}

// Exporter publishes the graph and the deltas of merged revisions, in
// revision order.
type Exporter interface {
	Revision(g *graph.Graph, deltas ...*graph.Delta) error
}

// exportProgress is implemented by exporters that know the last revision
// they published, so that deltas missed by an earlier run are published
// again.
type exportProgress interface {
	LastRevision() int
}

// Pipeline holds the collaborators of a run.
type Pipeline struct {
	Crawler  Crawler
	Analyzer Analyzer
	Store    *checkpoint.Store
	Merger   *graph.Merger
	Exporter Exporter // optional
	Workdir  string
	Limit    int // maximum revisions to process in this run; 0 means all
	Logger   *slog.Logger
}

// Result summarizes a run.
type Result struct {
	RunID      string
	Resumed    bool
	Processed  int
	Incomplete int
	Revision   int // last merged revision, -1 when none
	Graph      *graph.Graph
	Unexported []int // merged revisions whose export failed
}

// Run processes every revision after the checkpoint. Cancellation is
// honored between revisions: a revision in progress runs to completion and
// is checkpointed first. Export failures are not fatal; the missed deltas
// are published again with the next revision.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := &Result{RunID: uuid.New().String(), Revision: -1}
	logger = logger.With("run_id", res.RunID)

	cp, err := p.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	g := graph.New()
	if cp != nil {
		commit, ok := p.Crawler.CommitID(cp.Revision)
		if !ok || commit != cp.CommitID {
			return nil, fmt.Errorf("%w: revision %d was %s, now %q", ErrHistoryChanged, cp.Revision, cp.CommitID, commit)
		}
		g = cp.Graph
		res.Resumed = true
		res.Revision = cp.Revision
		p.Crawler.Skip(cp.Revision + 1)
		logger.Info("resuming from checkpoint", "revision", cp.Revision, "commit", cp.CommitID, "previous_run", cp.RunID)
	}
	res.Graph = g

	pending, err := p.exportBacklog(ctx, cp)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		logger.Info("publishing deltas missing from the export", "count", len(pending))
		pending = p.export(logger, g, pending)
	}
	defer func() {
		for _, d := range pending {
			res.Unexported = append(res.Unexported, d.Revision)
		}
	}()

	logger.Info("run started", "revisions", p.Crawler.Len(), "next", res.Revision+1)
	for p.Limit <= 0 || res.Processed < p.Limit {
		if err := ctx.Err(); err != nil {
			logger.Info("run interrupted", "revision", res.Revision)
			return res, err
		}

		rev, err := p.Crawler.Next(ctx)
		if err != nil {
			return res, fmt.Errorf("crawling: %w", err)
		}
		if rev == nil {
			break
		}

		next, delta, err := p.process(ctx, logger, g, rev, res.RunID)
		if err != nil {
			return res, err
		}
		if delta.Incomplete {
			res.Incomplete++
		}
		pending = p.export(logger, next, append(pending, delta))
		g = next
		res.Graph = g
		res.Revision = rev.Index
		res.Processed++
	}

	stats := g.Stats()
	logger.Info("run finished",
		"processed", res.Processed,
		"incomplete", res.Incomplete,
		"revision", res.Revision,
		"elements", stats.ActiveElements,
		"relations", stats.ActiveRelations)
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, g *graph.Graph, rev *gitio.Revision, runID string) (*graph.Graph, *graph.Delta, error) {
	start := time.Now()
	logger = logger.With("revision", rev.Index, "commit", rev.CommitID)

	// A started revision is finished even if the run is being cancelled.
	// Analyzer timeouts still apply.
	ctx = context.WithoutCancel(ctx)

	if err := p.Crawler.Materialize(ctx, rev, p.Workdir); err != nil {
		return nil, nil, fmt.Errorf("materializing revision %d: %w", rev.Index, err)
	}

	succeeded := true
	snap, err := p.Analyzer.Analyze(ctx, rev, p.Workdir)
	switch {
	case err == nil:
	case errors.Is(err, analysis.ErrAnalysisFailed):
		logger.Warn("analysis failed, revision left unchanged", "error", err)
		succeeded = false
	default:
		return nil, nil, fmt.Errorf("analyzing revision %d: %w", rev.Index, err)
	}

	next, delta, err := p.Merger.Merge(g, snap, rev.Changes, rev.Index, succeeded)
	if err != nil {
		return nil, nil, fmt.Errorf("merging revision %d: %w", rev.Index, err)
	}
	delta.CommitID = rev.CommitID
	if succeeded && (snap == nil || len(snap.Nodes) == 0) && len(delta.Deleted) > 0 {
		logger.Warn("analysis reported no elements, retiring every element in scope",
			"deleted", len(delta.Deleted))
	}

	err = p.Store.Save(ctx, &checkpoint.Checkpoint{
		Revision: rev.Index,
		CommitID: rev.CommitID,
		RunID:    runID,
		Graph:    next,
	}, delta)
	if err != nil {
		return nil, nil, fmt.Errorf("saving checkpoint for revision %d: %w", rev.Index, err)
	}

	for _, a := range delta.Anomalies {
		logger.Debug("snapshot anomaly", "kind", a.Kind, "detail", a.Detail)
	}
	logger.Info("revision merged",
		"changes", rev.Changes.Len(),
		"added", len(delta.Added),
		"modified", len(delta.Modified),
		"deleted", len(delta.Deleted),
		"relations_added", len(delta.RelationsAdded),
		"relations_removed", len(delta.RelationsRemoved),
		"anomalies", len(delta.Anomalies),
		"incomplete", delta.Incomplete,
		"duration", time.Since(start))
	return next, delta, nil
}

// export publishes g together with the pending deltas and returns the deltas
// that are still unpublished.
func (p *Pipeline) export(logger *slog.Logger, g *graph.Graph, pending []*graph.Delta) []*graph.Delta {
	if p.Exporter == nil {
		return nil
	}
	if err := p.Exporter.Revision(g, pending...); err != nil {
		logger.Warn("export failed, retrying with the next revision",
			"revision", g.Revision(), "pending", len(pending), "error", err)
		return pending
	}
	return nil
}

// exportBacklog loads the logged deltas that the exporter has not published
// yet.
func (p *Pipeline) exportBacklog(ctx context.Context, cp *checkpoint.Checkpoint) ([]*graph.Delta, error) {
	progress, ok := p.Exporter.(exportProgress)
	if !ok || cp == nil {
		return nil, nil
	}
	last := progress.LastRevision()
	if last >= cp.Revision {
		return nil, nil
	}
	deltas, err := p.Store.Deltas(ctx, last+1)
	if err != nil {
		return nil, fmt.Errorf("loading unexported deltas: %w", err)
	}
	return deltas, nil
}

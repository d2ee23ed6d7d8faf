// Package assign moves staged files into datasets or study resources and
// starts batch imports of staged collections.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/metrics"
	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/stage"
)

var (
	// ErrEmptySelection is returned when there is nothing to assign.
	ErrEmptySelection = errors.New("empty selection: cannot assign any stage file")
	// ErrNoStudy is returned when a resource assignment or dataset import
	// lacks a study accession.
	ErrNoStudy = errors.New("study accession required")
	// ErrWrongSchema is returned when importing a node whose schema does not
	// match the requested import.
	ErrWrongSchema = errors.New("staged node cannot be imported as requested")
	// ErrNotStaged is returned when the path is not in the classified tree.
	ErrNotStaged = errors.New("path not found in staging area")
	// ErrConflictingTargets is returned when one staged file is selected
	// for two different targets.
	ErrConflictingTargets = errors.New("file selected for more than one target")
)

// Backend is the subset of the API client the planner calls.
type Backend interface {
	MoveStage(ctx context.Context, file, dataset string) (*client.Result, error)
	MoveResource(ctx context.Context, resource, study string) (*client.Result, error)
	ImportStudy(ctx context.Context, path string) (*client.Result, error)
	ImportDataset(ctx context.Context, path, study string) (*client.Result, error)
}

// Viewer returns classified views of the staging area.
type Viewer interface {
	View(ctx context.Context, level stage.DataLevel, refresh bool) (*service.View, error)
}

// Planner runs assignments and imports, then refreshes the staging view.
type Planner struct {
	Backend     Backend
	Viewer      Viewer
	Level       stage.DataLevel
	Concurrency int
}

// Move is one staged file and where it goes.
type Move struct {
	File   string `json:"file"`   // staged path without leading slash
	Target string `json:"target"` // dataset accession or api.ResourceTarget
}

// Outcome reports the result of a batch of moves.
type Outcome struct {
	Moved    []Move
	Failed   map[string]error // by file
	Warnings []string
	View     *service.View // refreshed tree, nil if the refresh failed
}

// Plan normalizes a selection into a stable list of moves. Paths that are
// equal once the leading slash is stripped are one move.
func Plan(selection map[string]string) ([]Move, error) {
	targets := make(map[string]string, len(selection))
	for file, target := range selection {
		file = strings.TrimLeft(file, "/")
		target = strings.TrimSpace(target)
		if file == "" || target == "" {
			continue
		}
		if prev, ok := targets[file]; ok && prev != target {
			return nil, fmt.Errorf("%s: %s and %s: %w", file, min(prev, target), max(prev, target), ErrConflictingTargets)
		}
		targets[file] = target
	}
	if len(targets) == 0 {
		return nil, ErrEmptySelection
	}

	moves := make([]Move, 0, len(targets))
	for file, target := range targets {
		moves = append(moves, Move{File: file, Target: target})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].File < moves[j].File })
	return moves, nil
}

// Assign moves every selected file concurrently. Individual failures do not
// stop the other moves; the staging view is refetched afterwards either way.
// The returned error is non-nil only when the selection is invalid or every
// move failed.
func (p *Planner) Assign(ctx context.Context, selection map[string]string, study string) (*Outcome, error) {
	moves, err := Plan(selection)
	if err != nil {
		return nil, err
	}
	for _, m := range moves {
		if m.Target == api.ResourceTarget && study == "" {
			return nil, fmt.Errorf("%s: %w", m.File, ErrNoStudy)
		}
	}

	out := &Outcome{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, m := range moves {
		g.Go(func() error {
			res, err := p.move(gctx, m, study)
			metrics.ObserveAssign(targetKind(m.Target), err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[m.File] = err
				logging.Warn("assign failed", zap.String("file", m.File), zap.String("target", m.Target), zap.Error(err))
				return nil
			}
			out.Moved = append(out.Moved, m)
			if res != nil {
				out.Warnings = append(out.Warnings, res.Warnings...)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out.Moved, func(i, j int) bool { return out.Moved[i].File < out.Moved[j].File })

	if p.Viewer != nil {
		view, err := p.Viewer.View(ctx, p.Level, true)
		if err != nil {
			logging.Warn("refresh after assign failed", zap.Error(err))
		} else {
			out.View = view
		}
	}

	if len(out.Moved) == 0 {
		return out, fmt.Errorf("all %d assignments failed: %w", len(moves), firstError(out.Failed))
	}
	return out, nil
}

func (p *Planner) move(ctx context.Context, m Move, study string) (*client.Result, error) {
	if m.Target == api.ResourceTarget {
		return p.Backend.MoveResource(ctx, m.File, study)
	}
	return p.Backend.MoveStage(ctx, m.File, m.Target)
}

// ImportStudy starts a batch import of a staged collection classified as a
// study.
func (p *Planner) ImportStudy(ctx context.Context, path string) (*client.Result, error) {
	path = strings.TrimLeft(path, "/")
	if err := p.check(ctx, path, stage.SchemaStudy, stage.LevelStudy); err != nil {
		return nil, err
	}
	res, err := p.Backend.ImportStudy(ctx, path)
	metrics.ObserveImport("study", err)
	if err != nil {
		return nil, fmt.Errorf("import study %s: %w", path, err)
	}
	logging.Info("study import started", zap.String("path", path))
	p.refresh(ctx)
	return res, nil
}

// ImportDataset starts a batch import of a staged collection classified as
// a dataset into study.
func (p *Planner) ImportDataset(ctx context.Context, path, study string) (*client.Result, error) {
	path = strings.TrimLeft(path, "/")
	if study == "" {
		return nil, ErrNoStudy
	}
	if err := p.check(ctx, path, stage.SchemaDataset, stage.LevelDataset); err != nil {
		return nil, err
	}
	res, err := p.Backend.ImportDataset(ctx, path, study)
	metrics.ObserveImport("dataset", err)
	if err != nil {
		return nil, fmt.Errorf("import dataset %s: %w", path, err)
	}
	logging.Info("dataset import started", zap.String("path", path), zap.String("study", study))
	p.refresh(ctx)
	return res, nil
}

// check verifies path is a root node with the wanted schema.
func (p *Planner) check(ctx context.Context, path string, want stage.Schema, level stage.DataLevel) error {
	if p.Viewer == nil {
		return nil
	}
	view, err := p.Viewer.View(ctx, level, false)
	if err != nil {
		return fmt.Errorf("load stage: %w", err)
	}
	e, ok := view.Index.Lookup(path)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotStaged)
	}
	if e.Depth != 0 || e.Node.Schema != want {
		return fmt.Errorf("%s is a %s at depth %d, want a top-level %s: %w", path, e.Node.Schema, e.Depth, want, ErrWrongSchema)
	}
	return nil
}

func (p *Planner) refresh(ctx context.Context) {
	if p.Viewer == nil {
		return
	}
	if _, err := p.Viewer.View(ctx, p.Level, true); err != nil {
		logging.Warn("refresh after import failed", zap.Error(err))
	}
}

func targetKind(target string) string {
	if target == api.ResourceTarget {
		return "resource"
	}
	return "dataset"
}

func firstError(errs map[string]error) error {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", keys[0], errs[keys[0]])
}

// Package service fetches the staging listing, classifies it and caches
// the result per data level.
package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/metrics"
	"github.com/agentic-research/stagetree/internal/source"
	"github.com/agentic-research/stagetree/internal/stage"
)

// View is a classified staging area at one data level.
type View struct {
	Level     stage.DataLevel
	Source    string
	FetchedAt time.Time
	Raw       *stage.Mapping
	Tree      []*stage.Classified
	Index     *stage.Index
	Summary   stage.Summary
	Warnings  []string
}

// Service builds views from a source. It is safe for concurrent use.
type Service struct {
	src   source.Source
	cache *expirable.LRU[stage.DataLevel, *View]
	group singleflight.Group
	now   func() time.Time

	mu sync.Mutex
	// gens counts refreshes per level. A fetch only caches its view if no
	// refresh or invalidation started after it.
	gens map[stage.DataLevel]uint64
}

// New returns a service reading from src. Views are cached for ttl; a zero
// ttl disables caching.
func New(src source.Source, ttl time.Duration) *Service {
	s := &Service{src: src, now: time.Now, gens: make(map[stage.DataLevel]uint64)}
	if ttl > 0 {
		s.cache = expirable.NewLRU[stage.DataLevel, *View](2, nil, ttl)
	}
	return s
}

// SourceName returns the name of the underlying source.
func (s *Service) SourceName() string {
	return s.src.Name()
}

// View returns the classified staging area. refresh bypasses the cache;
// concurrent callers for the same level share one fetch. The shared fetch
// is detached from the caller's cancellation so one caller going away does
// not fail the others.
func (s *Service) View(ctx context.Context, level stage.DataLevel, refresh bool) (*View, error) {
	if !refresh && s.cache != nil {
		if v, ok := s.cache.Get(level); ok {
			return v, nil
		}
	}

	s.mu.Lock()
	if refresh {
		s.gens[level]++
	}
	gen := s.gens[level]
	s.mu.Unlock()

	key := level.String() + "@" + strconv.FormatUint(gen, 10)
	if refresh {
		key += "!"
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.build(fetchCtx, level, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*View), nil
	}
}

// Invalidate drops every cached view. Fetches already in flight will not
// repopulate the cache.
func (s *Service) Invalidate() {
	s.mu.Lock()
	for _, l := range []stage.DataLevel{stage.LevelDataset, stage.LevelStudy} {
		s.gens[l]++
	}
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Purge()
	}
}

func (s *Service) build(ctx context.Context, level stage.DataLevel, gen uint64) (*View, error) {
	start := s.now()
	raw, warnings, err := s.src.Stage(ctx)
	metrics.ObserveFetch(s.src.Name(), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetch stage from %s: %w", s.src.Name(), err)
	}

	v := NewView(raw, level)
	v.Source = s.src.Name()
	v.FetchedAt = start
	v.Warnings = append(append([]string(nil), warnings...), v.Warnings...)

	metrics.ObserveClassify(level.String(), map[string]int{
		string(stage.SchemaStudy):   v.Summary.Studies,
		string(stage.SchemaDataset): v.Summary.Datasets,
		string(stage.SchemaMix):     v.Summary.Mixed,
		string(stage.SchemaFile):    v.Summary.Files,
	})
	logging.Debug("stage classified",
		zap.String("source", v.Source),
		zap.Stringer("level", level),
		zap.Int("unparsed", v.Summary.Unparsed),
		zap.Int("roots", v.Summary.Roots))
	for _, w := range v.Warnings {
		logging.Warn("stage warning", zap.String("source", v.Source), zap.String("message", w))
	}

	s.store(level, gen, v)
	return v, nil
}

// store caches v unless a newer generation was started for level while v
// was being fetched.
func (s *Service) store(level stage.DataLevel, gen uint64, v *View) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gens[level] {
		logging.Debug("discarding stale stage view", zap.Stringer("level", level), zap.Uint64("generation", gen))
		return
	}
	s.cache.Add(level, v)
}

// NewView classifies raw at level. Paths shared by several nodes are
// reported as warnings.
func NewView(raw *stage.Mapping, level stage.DataLevel) *View {
	tree := stage.Tree(raw, level)
	ix := stage.NewIndex(tree)
	v := &View{
		Level:   level,
		Raw:     raw,
		Tree:    tree,
		Index:   ix,
		Summary: stage.Summarize(raw, level, tree),
	}
	for _, p := range ix.Collisions() {
		v.Warnings = append(v.Warnings, fmt.Sprintf("path %s names more than one staged node; lookups resolve to the first", p))
	}
	return v
}

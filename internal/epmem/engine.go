// Package epmem is the episodic memory engine: it records snapshots of a
// working-memory graph as episodes, answers cue-based queries with an
// interval sweep over the recorded history, and installs retrieved episodes
// back into the host's working memory.
package epmem

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/profiling"
	"github.com/vthunder/epmem/internal/wm"
)

var (
	// ErrNoMemory is returned by every entry point while the store is
	// unavailable.
	ErrNoMemory = errors.New("episodic memory unavailable")
	// ErrBadCue reports a malformed query or command.
	ErrBadCue = errors.New("malformed cue")
	// ErrNoMatch reports an exhausted search. It is a normal outcome.
	ErrNoMatch = errors.New("no matching episode")
)

var tracer = otel.Tracer("github.com/vthunder/epmem/internal/epmem")

// stageLevels assigns each timer to the lowest timers level that reports it.
var stageLevels = map[string]profiling.Level{
	"total":               profiling.LevelOne,
	"storage":             profiling.LevelTwo,
	"ncb-retrieval":       profiling.LevelTwo,
	"query":               profiling.LevelTwo,
	"api":                 profiling.LevelTwo,
	"trigger":             profiling.LevelTwo,
	"init":                profiling.LevelTwo,
	"next":                profiling.LevelTwo,
	"prev":                profiling.LevelTwo,
	"hash":                profiling.LevelThree,
	"wm-phase":            profiling.LevelThree,
	"rit-1":               profiling.LevelThree,
	"rit-2":               profiling.LevelThree,
	"query-walk":          profiling.LevelThree,
	"query-walk-edge":     profiling.LevelThree,
	"query-walk-interval": profiling.LevelThree,
	"query-graph-match":   profiling.LevelThree,
}

// Engine owns one episodic store and the writer state that tracks which
// working-memory elements are already recorded. It is not safe for
// concurrent use.
type Engine struct {
	cfg    *config.Config
	prof   *profiling.Profiler
	store  *store.Store
	closed bool

	// generation invalidates writer tags across resets
	generation uint64
	time       int64

	idTags    map[*wm.Identifier]idTag
	wmeTags   map[uint64]wmeTag
	pools     map[poolKey][]store.Child
	openNodes map[int64]store.OpenInterval
	openEdges map[int64]store.OpenInterval

	states map[*wm.Identifier]*stateRecord
	force  string
	stats  Stats
}

// New creates an engine. The store is opened on first use.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := profiling.ParseLevel(cfg.Timers)
	if err != nil {
		return nil, err
	}
	prof, err := profiling.New(level, cfg.TimersLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create profiler: %w", err)
	}
	return &Engine{
		cfg:        cfg,
		prof:       prof,
		generation: 1,
		force:      cfg.Force,
		states:     make(map[*wm.Identifier]*stateRecord),
	}, nil
}

// Config returns the engine's parameters. Changes take effect on the next
// Reset.
func (e *Engine) Config() *config.Config { return e.cfg }

// Profiler returns the stage timers.
func (e *Engine) Profiler() *profiling.Profiler { return e.prof }

func (e *Engine) timer(stage string) func() {
	level, ok := stageLevels[stage]
	if !ok {
		level = profiling.LevelThree
	}
	return e.prof.Start(stage, level)
}

func (e *Engine) storeOptions() store.Options {
	opts := store.Options{
		Driver:      e.cfg.Driver,
		Append:      e.cfg.Append,
		LazyCommit:  e.cfg.LazyCommit,
		PageSize:    e.cfg.PageSize,
		CacheSize:   e.cfg.CacheSize,
		Performance: e.cfg.Optimization == config.OptimizationPerformance,
		Timer:       e.timer,
	}
	if e.cfg.Database == config.DatabaseFile {
		opts.Path = e.cfg.Path
	}
	return opts
}

// connect opens the store if it is not open yet.
func (e *Engine) connect() error {
	if e.closed {
		return ErrNoMemory
	}
	if e.store != nil {
		return nil
	}
	defer e.timer("init")()

	s, err := store.Open(e.storeOptions())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	last, err := s.LastEpisode()
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	e.store = s
	e.time = last + 1
	e.resetWriter()
	if err := e.loadOpen(); err != nil {
		e.store = nil
		s.Close()
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	where := "memory"
	if !s.InMemory() {
		where = s.Path()
	}
	logging.Info("epmem", "store open (%s), next episode %d", where, e.time)
	return nil
}

// Connect opens the store now instead of on first use.
func (e *Engine) Connect() error { return e.connect() }

func (e *Engine) resetWriter() {
	e.idTags = make(map[*wm.Identifier]idTag)
	e.wmeTags = make(map[uint64]wmeTag)
	e.pools = make(map[poolKey][]store.Child)
}

// loadOpen mirrors the store's open intervals.
func (e *Engine) loadOpen() error {
	nodes, err := e.store.OpenIntervals(store.Node)
	if err != nil {
		return err
	}
	edges, err := e.store.OpenIntervals(store.Edge)
	if err != nil {
		return err
	}
	e.openNodes, e.openEdges = nodes, edges
	return nil
}

// Store returns the open store, connecting if needed.
func (e *Engine) Store() (*store.Store, error) {
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e.store, nil
}

// Time returns the id the next recorded episode will get.
func (e *Engine) Time() int64 { return e.time }

// Reset closes and reopens the store with the current configuration. Every
// writer tag taken before the reset is invalidated.
func (e *Engine) Reset() error {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logging.Error("epmem", err, "closing store during reset")
		}
		e.store = nil
	}
	e.closed = false
	e.generation++
	e.states = make(map[*wm.Identifier]*stateRecord)
	e.force = e.cfg.Force
	e.stats = Stats{}
	e.prof.Reset()
	return e.connect()
}

// Backup writes a consistent copy of the store to path.
func (e *Engine) Backup(path string, compress bool) error {
	if err := e.connect(); err != nil {
		return err
	}
	if e.store.InMemory() && e.cfg.Database == config.DatabaseFile {
		logging.Warn("epmem", "backing up the in-memory fallback store")
	}
	return e.store.Backup(path, compress)
}

// Close commits pending work and releases the store. Entry points return
// ErrNoMemory afterwards.
func (e *Engine) Close() error {
	e.closed = true
	var err error
	if e.store != nil {
		err = e.store.Close()
		e.store = nil
	}
	if perr := e.prof.Close(); err == nil {
		err = perr
	}
	return err
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNoMatch) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

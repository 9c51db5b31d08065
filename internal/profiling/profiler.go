package profiling

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Level determines how detailed the stage timers are
type Level string

const (
	LevelOff   Level = "off"   // No timers
	LevelOne   Level = "one"   // L1: top-level entry points
	LevelTwo   Level = "two"   // L2: storage and query phases
	LevelThree Level = "three" // L3: query sub-stages
)

// ParseLevel maps a config value onto a Level. Unknown values are an error.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelOff, LevelOne, LevelTwo, LevelThree:
		return Level(s), nil
	case "":
		return LevelOff, nil
	}
	return LevelOff, fmt.Errorf("unknown timer level %q", s)
}

func (l Level) rank() int {
	switch l {
	case LevelOne:
		return 1
	case LevelTwo:
		return 2
	case LevelThree:
		return 3
	}
	return 0
}

// Timing represents a single stage measurement
type Timing struct {
	Stage      string         `json:"stage"`
	StartTime  time.Time      `json:"start_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Profiler accumulates stage totals and optionally appends each timing to a
// JSONL log.
type Profiler struct {
	level   Level
	logPath string
	mu      sync.Mutex
	logFile *os.File
	encoder *json.Encoder
	totals  map[string]time.Duration
}

// New creates a profiler. An empty logPath keeps totals in memory only.
func New(level Level, logPath string) (*Profiler, error) {
	p := &Profiler{
		level:   level,
		logPath: logPath,
		totals:  make(map[string]time.Duration),
	}
	if p.IsEnabled() && logPath != "" {
		if err := p.openLogFile(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// openLogFile opens the log file for writing
func (p *Profiler) openLogFile() error {
	var err error
	p.logFile, err = os.OpenFile(p.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open timer log: %w", err)
	}
	p.encoder = json.NewEncoder(p.logFile)
	return nil
}

// Close closes the profiler and its log file
func (p *Profiler) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.logFile != nil {
		err := p.logFile.Close()
		p.logFile = nil
		p.encoder = nil
		return err
	}
	return nil
}

// Start begins timing a stage and returns a function to call when done.
// Stages above the configured level are not timed.
func (p *Profiler) Start(stage string, level Level) func() {
	if p == nil || !p.ShouldProfile(level) {
		return func() {}
	}

	start := time.Now()
	return func() {
		p.Record(stage, time.Since(start), nil)
	}
}

// Record records a timing measurement
func (p *Profiler) Record(stage string, duration time.Duration, metadata map[string]any) {
	if p == nil || !p.IsEnabled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totals[stage] += duration
	if p.encoder != nil {
		_ = p.encoder.Encode(Timing{
			Stage:      stage,
			StartTime:  time.Now().Add(-duration),
			DurationMs: float64(duration.Nanoseconds()) / 1e6,
			Metadata:   metadata,
		})
	}
}

// ShouldProfile returns true if the given level should be profiled
func (p *Profiler) ShouldProfile(level Level) bool {
	if p == nil || !p.IsEnabled() {
		return false
	}
	return level.rank() > 0 && level.rank() <= p.level.rank()
}

// IsEnabled returns true if timers are on
func (p *Profiler) IsEnabled() bool {
	return p.level.rank() > 0
}

// Total returns the accumulated time for one stage.
func (p *Profiler) Total(stage string) time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals[stage]
}

// Stages lists every stage with a recorded total, sorted by name.
func (p *Profiler) Stages() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.totals))
	for s := range p.totals {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Reset zeroes all totals.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totals = make(map[string]time.Duration)
}

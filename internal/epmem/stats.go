package epmem

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/logging"
)

// Stats are the engine's counters. RIT[0] is the constant (node) tree and
// RIT[1] the identifier (edge) tree.
type Stats struct {
	Time             int64
	MemUsage         uint64
	MemHigh          uint64
	QryPos           int
	QryNeg           int
	QryRet           int64
	QryCard          int
	QryLits          int
	NcbWmes          int
	NextID           int64
	RIT              [2]store.RITState
	LastConsidered   int64
	LastEpisode      int64
	Queries          int
	EpisodesRecorded int
	Fallback         bool
}

// Stats returns the current counters, connecting if needed.
func (e *Engine) Stats() (Stats, error) {
	if err := e.connect(); err != nil {
		return Stats{}, err
	}
	e.sampleMemory()
	s := e.stats
	s.Time = e.time
	s.LastEpisode = e.time - 1
	s.NextID = e.store.NextNodeID()
	s.RIT = [2]store.RITState{e.store.RIT(store.Node), e.store.RIT(store.Edge)}
	s.Fallback = e.store.Fallback()
	return s, nil
}

func (e *Engine) sampleMemory() {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logging.Debug("epmem", "process lookup failed: %v", err)
		return
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		logging.Debug("epmem", "memory sample failed: %v", err)
		return
	}
	e.stats.MemUsage = mi.RSS
	e.stats.MemHigh = max(e.stats.MemHigh, mi.RSS)
}

// Map renders the counters under their parameter-style names.
func (s Stats) Map() map[string]int64 {
	m := map[string]int64{
		"time":              s.Time,
		"mem-usage":         int64(s.MemUsage),
		"mem-high":          int64(s.MemHigh),
		"qry-pos":           int64(s.QryPos),
		"qry-neg":           int64(s.QryNeg),
		"qry-ret":           s.QryRet,
		"qry-card":          int64(s.QryCard),
		"qry-lits":          int64(s.QryLits),
		"ncb-wmes":          int64(s.NcbWmes),
		"next-id":           s.NextID,
		"last-considered":   s.LastConsidered,
		"last-episode":      s.LastEpisode,
		"queries":           int64(s.Queries),
		"episodes-recorded": int64(s.EpisodesRecorded),
	}
	for i, r := range s.RIT {
		n := string(rune('1' + i))
		m["rit-offset-"+n] = r.Offset
		m["rit-left-root-"+n] = r.LeftRoot
		m["rit-right-root-"+n] = r.RightRoot
		m["rit-min-step-"+n] = r.MinStep
	}
	return m
}

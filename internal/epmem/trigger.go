package epmem

import (
	"context"
	"fmt"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

// Cycle describes the decision cycle offered to ConsiderNewEpisode.
type Cycle struct {
	Decision int64
	// OutputChanged is set when new structure appeared on the output link.
	OutputChanged bool
}

// Force overrides the trigger for the next considered cycle only.
func (e *Engine) Force(mode string) error {
	switch mode {
	case config.ForceOff, config.ForceRemember, config.ForceIgnore:
		e.force = mode
		return nil
	}
	return fmt.Errorf("unknown force mode %q", mode)
}

// ConsiderNewEpisode records an episode when the trigger policy (or a pending
// force) says this cycle should be remembered.
func (e *Engine) ConsiderNewEpisode(ctx context.Context, g wm.Graph, c Cycle) (bool, error) {
	stop := e.timer("trigger")
	e.stats.LastConsidered = c.Decision

	record := false
	switch e.force {
	case config.ForceRemember:
		record = true
	case config.ForceIgnore:
	default:
		switch e.cfg.Trigger {
		case config.TriggerDC:
			record = true
		case config.TriggerOutput:
			record = c.OutputChanged
		}
	}
	if e.force != config.ForceOff {
		logging.Debug("epmem", "cycle %d: force %s", c.Decision, e.force)
		e.force = config.ForceOff
	}
	stop()

	if !record || !e.cfg.Learning {
		return false, nil
	}
	if _, err := e.RecordEpisode(ctx, g); err != nil {
		return false, err
	}
	return true, nil
}

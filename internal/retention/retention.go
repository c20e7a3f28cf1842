// Package retention runs the periodic metric-sample prune sweep on a cron
// schedule, the same robfig/cron wrapper-around-a-shared-instance idiom the
// reference plugin scheduler uses for its own background jobs.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/store"
)

// Pruner deletes node_metrics rows older than RetentionDays on a daily
// cron schedule. A RetentionDays of 0 disables pruning entirely.
type Pruner struct {
	st            *store.Store
	retentionDays int
	cronExpr      string
	cron          *cron.Cron
}

// New builds a Pruner. cronExpr follows robfig/cron's standard 5-field
// syntax; an empty string defaults to once daily at 03:00.
func New(st *store.Store, retentionDays int, cronExpr string) *Pruner {
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	return &Pruner{st: st, retentionDays: retentionDays, cronExpr: cronExpr, cron: cron.New()}
}

// Start schedules the sweep and begins running it in the background.
// Returns an error if cronExpr fails to parse.
func (p *Pruner) Start() error {
	if p.retentionDays <= 0 {
		return nil
	}
	_, err := p.cron.AddFunc(p.cronExpr, p.sweep)
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Pruner) sweep() {
	cutoff := time.Now().UTC().AddDate(0, 0, -p.retentionDays)
	removed, err := p.st.PruneMetrics(context.Background(), cutoff)
	if err != nil {
		logging.Store().Error().Err(err).Msg("metric retention sweep failed")
		return
	}
	if removed > 0 {
		logging.Store().Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("pruned expired metric samples")
	}
}

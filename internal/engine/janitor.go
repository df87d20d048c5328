package engine

import (
	"context"
	"time"

	"clickguardian/internal/metrics"
)

// identityIdle is how long an identity may go untouched before the janitor
// drops its window state. Long enough to outlive any repeat window.
const identityIdle = 48 * time.Hour

// Janitor performs periodic housekeeping: pruning expired sanctions and idle
// window entries, updating gauges.
type Janitor struct {
	engine   *Engine
	interval time.Duration
}

// NewJanitor creates a Janitor over eng.
func NewJanitor(eng *Engine, interval time.Duration) *Janitor {
	return &Janitor{engine: eng, interval: interval}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	e := j.engine
	now := e.now()

	if pruned := e.reg.PruneExpired(now); pruned > 0 {
		metrics.SanctionsPruned.Add(float64(pruned))
		e.log.Info().Int("count", pruned).Msg("janitor: pruned expired sanctions")
	}

	if pruned := e.windows.PruneIdle(identityIdle, now); pruned > 0 {
		e.log.Debug().Int("count", pruned).Msg("janitor: dropped idle identities")
	}

	metrics.TempSanctions.Set(float64(e.reg.TempLen()))
	metrics.TrackedIdentities.Set(float64(e.windows.Len()))
	metrics.EventLogSize.Set(float64(e.events.Len()))

	if e.store != nil {
		size, err := e.store.SizeBytes()
		if err != nil {
			e.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	e.log.Debug().Msg("janitor: tick complete")
}

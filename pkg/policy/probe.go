package policy

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

// CapacityProbe implements engine.CapacityProbe by counting running user
// jobs and asking the policy engine.
type CapacityProbe struct {
	scheduler engine.Scheduler
	policies  *Engine
	maxCores  atomic.Int64
	logger    zerolog.Logger
}

var _ engine.CapacityProbe = (*CapacityProbe)(nil)

// NewCapacityProbe creates a capacity probe with an initial core limit.
func NewCapacityProbe(scheduler engine.Scheduler, policies *Engine, maxCores int, logger zerolog.Logger) *CapacityProbe {
	p := &CapacityProbe{
		scheduler: scheduler,
		policies:  policies,
		logger:    logger.With().Str("component", "capacity").Logger(),
	}
	p.maxCores.Store(int64(maxCores))
	return p
}

// SetMaxCores changes the core limit. It takes effect on the next probe.
func (p *CapacityProbe) SetMaxCores(n int) {
	if old := p.maxCores.Swap(int64(n)); old != int64(n) {
		p.logger.Info().Int64("from", old).Int("to", n).Msg("core limit changed")
	}
}

// MaxCores returns the current core limit.
func (p *CapacityProbe) MaxCores() int {
	return int(p.maxCores.Load())
}

// HasCapacity reports whether another core may start while waiting users
// are queued.
func (p *CapacityProbe) HasCapacity(ctx context.Context, waiting int) (bool, error) {
	running, err := p.scheduler.ListJobs(ctx, engine.JobPrefix)
	if err != nil {
		return false, err
	}

	input := AdmissionInput{
		RunningCores: len(running),
		MaxCores:     p.MaxCores(),
		Waiting:      waiting,
	}
	decision, err := p.policies.Evaluate(ctx, input)
	if err != nil {
		return false, err
	}

	if !decision.Allowed {
		p.logger.Debug().
			Int("running_cores", input.RunningCores).
			Int("max_cores", input.MaxCores).
			Str("reasons", strings.Join(decision.Reasons, "; ")).
			Msg("admission denied")
	}
	return decision.Allowed, nil
}

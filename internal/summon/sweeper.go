package summon

import (
	"context"
	"errors"
	"time"
)

const DefaultSweepInterval = 2 * time.Second

// Sweeper expires summons whose response window closed without every
// respondent answering. Any number of sweepers may run against the same
// store; the conditional writes in Expire make all but one of them no-ops.
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
}

func NewSweeper(coordinator *Coordinator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{coordinator: coordinator, interval: interval}
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	logger := s.coordinator.opts.Logger
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("deadline sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires every summon on the schedule that is due now and
// returns how many it resolved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	c := s.coordinator
	due, err := c.docs.Due(ctx, DeadlineSet, c.opts.Clock())
	if err != nil {
		return 0, err
	}

	var resolved int
	var errs []error
	for _, member := range due {
		groupID, summonID, ok := splitDeadlineMember(member)
		if !ok {
			errs = append(errs, c.forget(ctx, member))
			continue
		}
		_, err := c.Expire(ctx, groupID, summonID)
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, ErrSummonTerminal), errors.Is(err, ErrSummonNotFound):
			errs = append(errs, c.forget(ctx, member))
		case errors.Is(err, ErrNotExpired):
			// Schedule score is rounded to milliseconds; the next tick gets it.
		default:
			errs = append(errs, err)
		}
	}
	return resolved, errors.Join(errs...)
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"readycheck/api/internal/summon"
)

// Backend is what the keep-alive needs from the summon service.
type Backend interface {
	Observe(ctx context.Context, groupID, summonID string) (<-chan summon.Summon, error)
	Heartbeat(ctx context.Context, groupID, summonID, memberID string, ttl time.Duration) error
	Leave(ctx context.Context, groupID, summonID, memberID string) error
}

// Terminator is the process-level termination barrier.
type Terminator interface {
	Terminate(reason string) bool
	Done() <-chan struct{}
}

type KeepAliveConfig struct {
	GroupID  string
	SummonID string
	MemberID string

	Backend    Backend
	Terminator Terminator

	// Interval between heartbeats; the marker lives three intervals.
	Interval         time.Duration
	SubscribeRetries uint
	Logger           *slog.Logger
}

// KeepAlive is the second observer of a summon on a device. It keeps the
// member's presence marker fresh and terminates the process through the
// shared barrier once it sees the summon resolved, without talking to the
// foreground session.
type KeepAlive struct {
	cfg KeepAliveConfig
}

func NewKeepAlive(cfg KeepAliveConfig) (*KeepAlive, error) {
	if cfg.GroupID == "" || cfg.SummonID == "" || cfg.MemberID == "" {
		return nil, errors.New("keep-alive requires group, summon and member ids")
	}
	if cfg.Backend == nil || cfg.Terminator == nil {
		return nil, errors.New("keep-alive requires a backend and a terminator")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SubscribeRetries == 0 {
		cfg.SubscribeRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(
		"component", "keepalive",
		"group_id", cfg.GroupID,
		"summon_id", cfg.SummonID,
		"member_id", cfg.MemberID,
	)
	return &KeepAlive{cfg: cfg}, nil
}

// Run observes the summon until it resolves, the barrier fires from
// elsewhere, or ctx ends. It drops the presence marker on the way out.
func (k *KeepAlive) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer k.leave()

	updates, err := k.subscribe(ctx)
	if err != nil {
		return err
	}
	k.heartbeat(ctx)

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	reconnect := k.policy()
	resubscribe := time.NewTimer(time.Hour)
	resubscribe.Stop()
	defer resubscribe.Stop()
	var resubscribeC <-chan time.Time
	var lastVersion int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.cfg.Terminator.Done():
			return nil
		case <-ticker.C:
			k.heartbeat(ctx)
		case <-resubscribeC:
			resubscribeC = nil
			if updates, err = k.subscribe(ctx); err != nil {
				return err
			}
		case s, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				wait := reconnect.NextBackOff()
				k.cfg.Logger.Info("summon stream closed, resubscribing", "after", wait)
				updates = nil
				resubscribe.Reset(wait)
				resubscribeC = resubscribe.C
				continue
			}
			if s.Version > lastVersion {
				lastVersion = s.Version
				reconnect.Reset()
			}
			if s.Status.Terminal() {
				reason := fmt.Sprintf("summon %s (%s)", s.Status, s.Reason)
				if k.cfg.Terminator.Terminate(reason) {
					k.cfg.Logger.Info("terminating after summon resolved", "status", s.Status, "reason", s.Reason)
				}
				return nil
			}
		}
	}
}

func (k *KeepAlive) policy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = k.cfg.Interval / 10
	policy.MaxInterval = k.cfg.Interval
	return policy
}

func (k *KeepAlive) subscribe(ctx context.Context) (<-chan summon.Summon, error) {
	return backoff.Retry(ctx, func() (<-chan summon.Summon, error) {
		updates, err := k.cfg.Backend.Observe(ctx, k.cfg.GroupID, k.cfg.SummonID)
		if errors.Is(err, summon.ErrSummonNotFound) || errors.Is(err, summon.ErrGroupNotFound) {
			return nil, backoff.Permanent(err)
		}
		return updates, err
	}, backoff.WithBackOff(k.policy()), backoff.WithMaxTries(k.cfg.SubscribeRetries))
}

func (k *KeepAlive) heartbeat(ctx context.Context) {
	err := k.cfg.Backend.Heartbeat(ctx, k.cfg.GroupID, k.cfg.SummonID, k.cfg.MemberID, 3*k.cfg.Interval)
	if err != nil && ctx.Err() == nil {
		k.cfg.Logger.Warn("presence heartbeat failed", "error", err)
	}
}

func (k *KeepAlive) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.Interval)
	defer cancel()
	if err := k.cfg.Backend.Leave(ctx, k.cfg.GroupID, k.cfg.SummonID, k.cfg.MemberID); err != nil {
		k.cfg.Logger.Warn("presence leave failed", "error", err)
	}
}

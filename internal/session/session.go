// Package session runs one device's view of a summon: it follows the
// shared document, counts down locally, submits the member's answer and
// exits once the round is decided.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"readycheck/api/internal/summon"
)

const (
	DefaultGrace          = 1500 * time.Millisecond
	DefaultSubmitAttempts = 4
	DefaultRetryInterval  = 250 * time.Millisecond

	// skewRetry re-arms the countdown when the server's clock says the
	// window is still open or the member's answer is still being sent.
	skewRetry = time.Second
)

var (
	ErrAlreadySubmitted       = errors.New("response already submitted")
	ErrInitiatorCannotRespond = errors.New("the initiator is not a respondent")
	ErrNotActive              = errors.New("session is not active")
	ErrStreamClosed           = errors.New("summon stream closed")
)

// Backend is the summon service as seen from a device. The in-process
// coordinator and the HTTP client both satisfy it.
type Backend interface {
	Observe(ctx context.Context, groupID, summonID string) (<-chan summon.Summon, error)
	RecordResponse(ctx context.Context, groupID, summonID, memberID string, status summon.ResponseStatus) (summon.Summon, error)
	Cancel(ctx context.Context, groupID, summonID, initiatorID string) (summon.Summon, error)
	Expire(ctx context.Context, groupID, summonID string) (summon.Summon, error)
}

// Terminator signals the host that this device is finished with the round.
type Terminator interface {
	Terminate(reason string) bool
}

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	GroupID  string
	SummonID string
	MemberID string

	Backend    Backend
	Terminator Terminator

	// Grace is how long the resolved state stays visible before the
	// session asks the host to exit.
	Grace          time.Duration
	Clock          func() time.Time
	SubmitAttempts uint
	RetryInterval  time.Duration
	Logger         *slog.Logger
}

type Session struct {
	cfg Config

	state     atomic.Int32
	submitted atomic.Bool
	terminal  chan struct{}

	mu           sync.Mutex
	snapshot     summon.Summon
	hasSnapshot  bool
	responded    bool
	submitFailed bool
	timeoutSent  bool
}

func New(cfg Config) (*Session, error) {
	if cfg.GroupID == "" || cfg.SummonID == "" || cfg.MemberID == "" {
		return nil, errors.New("session requires group, summon and member ids")
	}
	if cfg.Backend == nil {
		return nil, errors.New("session requires a backend")
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SubmitAttempts == 0 {
		cfg.SubmitAttempts = DefaultSubmitAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(
		"component", "session",
		"group_id", cfg.GroupID,
		"summon_id", cfg.SummonID,
		"member_id", cfg.MemberID,
	)
	return &Session{cfg: cfg, terminal: make(chan struct{})}, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Snapshot returns the latest observed summon, if any.
func (s *Session) Snapshot() (summon.Summon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone(), s.hasSnapshot
}

// Remaining is the countdown at now, derived from the observed deadline.
func (s *Session) Remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSnapshot {
		return 0
	}
	return summon.Remaining(now, s.snapshot.ExpiresAt)
}

// SubmitFailed reports whether the member's answer never reached the
// service, so the round will see a TIMEOUT from this device instead.
func (s *Session) SubmitFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitFailed
}

// Done is closed when the session reaches Terminal.
func (s *Session) Done() <-chan struct{} {
	return s.terminal
}

// Run follows the summon until it is decided and the grace delay passed,
// then terminates through the configured Terminator. It returns ctx's
// error if ctx ends first.
func (s *Session) Run(ctx context.Context) error {
	updates, err := s.subscribe(ctx)
	if err != nil {
		return err
	}

	deadline := time.NewTimer(time.Hour)
	deadline.Stop()
	defer deadline.Stop()
	grace := time.NewTimer(time.Hour)
	grace.Stop()
	defer grace.Stop()
	var graceC <-chan time.Time

	// reconnect spaces out resubscribes after a stream that opened and then
	// closed; it resets once a newer revision arrives.
	reconnect := s.policy()
	resubscribe := time.NewTimer(time.Hour)
	resubscribe.Stop()
	defer resubscribe.Stop()
	var resubscribeC <-chan time.Time
	var lastVersion int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if s.State() == StateTerminal {
					updates = nil
					continue
				}
				wait := reconnect.NextBackOff()
				s.cfg.Logger.Info("summon stream closed, resubscribing", "after", wait)
				updates = nil
				resubscribe.Reset(wait)
				resubscribeC = resubscribe.C
				continue
			}
			if s.State() == StateTerminal {
				continue
			}
			if snap.Version > lastVersion {
				lastVersion = snap.Version
				reconnect.Reset()
			}
			s.apply(snap)
			if snap.Status.Terminal() {
				deadline.Stop()
				if s.enterTerminal(snap) {
					grace.Reset(s.cfg.Grace)
					graceC = grace.C
				}
				continue
			}
			deadline.Reset(summon.Remaining(s.cfg.Clock(), snap.ExpiresAt))

		case <-resubscribeC:
			resubscribeC = nil
			if updates, err = s.subscribe(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrStreamClosed, err)
			}

		case <-deadline.C:
			if !s.onDeadline(ctx) {
				deadline.Reset(skewRetry)
			}

		case <-graceC:
			snap, _ := s.Snapshot()
			reason := fmt.Sprintf("summon %s (%s)", snap.Status, snap.Reason)
			if s.cfg.Terminator != nil && s.cfg.Terminator.Terminate(reason) {
				s.cfg.Logger.Info("terminating after summon resolved", "status", snap.Status, "reason", snap.Reason)
			}
			return nil
		}
	}
}

// Submit answers the summon. Only the first call does anything. Transient
// failures are retried a bounded number of times; losing a race to an
// earlier write for the same slot counts as answered. If every attempt
// fails the session falls back to the timeout path at the deadline.
func (s *Session) Submit(ctx context.Context, status summon.ResponseStatus) error {
	if status != summon.ResponseAccepted && status != summon.ResponseDeclined {
		return fmt.Errorf("%w: %s", summon.ErrInvalidResponse, status)
	}
	if s.State() != StateActive {
		return ErrNotActive
	}
	snap, _ := s.Snapshot()
	if snap.InitiatorID == s.cfg.MemberID {
		return ErrInitiatorCannotRespond
	}
	if !s.submitted.CompareAndSwap(false, true) {
		return ErrAlreadySubmitted
	}

	_, err := s.record(ctx, status)
	switch {
	case err == nil, summon.IsRace(err):
		s.markResponded()
		return nil
	case isDomainError(err):
		return err
	}

	s.mu.Lock()
	s.submitFailed = true
	s.mu.Unlock()
	s.cfg.Logger.Warn("response submission failed, falling back to timeout", "response", status, "error", err)
	if s.Remaining(s.cfg.Clock()) == 0 {
		s.onDeadline(ctx)
	}
	return fmt.Errorf("submit response: %w", err)
}

// Cancel fails the round early. Only the initiator's session may cancel;
// cancelling a round that is already decided is a no-op.
func (s *Session) Cancel(ctx context.Context) error {
	snap, ok := s.Snapshot()
	if !ok || s.State() == StateConnecting {
		return ErrNotActive
	}
	if snap.InitiatorID != s.cfg.MemberID {
		return summon.ErrNotInitiator
	}
	if _, err := s.cfg.Backend.Cancel(ctx, s.cfg.GroupID, s.cfg.SummonID, s.cfg.MemberID); err != nil && !errors.Is(err, summon.ErrSummonTerminal) {
		return err
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context) (<-chan summon.Summon, error) {
	return backoff.Retry(ctx, func() (<-chan summon.Summon, error) {
		updates, err := s.cfg.Backend.Observe(ctx, s.cfg.GroupID, s.cfg.SummonID)
		if isDomainError(err) {
			return nil, backoff.Permanent(err)
		}
		return updates, err
	}, backoff.WithBackOff(s.policy()), backoff.WithMaxTries(s.cfg.SubmitAttempts))
}

func (s *Session) record(ctx context.Context, status summon.ResponseStatus) (summon.Summon, error) {
	return backoff.Retry(ctx, func() (summon.Summon, error) {
		out, err := s.cfg.Backend.RecordResponse(ctx, s.cfg.GroupID, s.cfg.SummonID, s.cfg.MemberID, status)
		if isDomainError(err) {
			return summon.Summon{}, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(s.policy()), backoff.WithMaxTries(s.cfg.SubmitAttempts))
}

func (s *Session) policy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInterval
	policy.MaxInterval = 8 * s.cfg.RetryInterval
	return policy
}

func (s *Session) apply(snap summon.Summon) {
	s.mu.Lock()
	s.snapshot = snap.Clone()
	s.hasSnapshot = true
	if status, ok := snap.Responses[s.cfg.MemberID]; !ok || status != summon.ResponsePending {
		s.responded = true
	}
	s.mu.Unlock()
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

func (s *Session) markResponded() {
	s.mu.Lock()
	s.responded = true
	s.mu.Unlock()
}

// enterTerminal reports true only for the first terminal observation.
func (s *Session) enterTerminal(snap summon.Summon) bool {
	for {
		current := s.state.Load()
		if current == int32(StateTerminal) {
			return false
		}
		if s.state.CompareAndSwap(current, int32(StateTerminal)) {
			close(s.terminal)
			s.cfg.Logger.Info("summon resolved", "status", snap.Status, "reason", snap.Reason)
			return true
		}
	}
}

// onDeadline runs the local timeout path: write TIMEOUT for this member if
// it never answered, then ask the service to sweep the remaining slots.
// It reports false when the step should be retried shortly, such as when
// the service's clock says the window is still open or the member's own
// answer is still in flight.
func (s *Session) onDeadline(ctx context.Context) bool {
	s.mu.Lock()
	if s.submitted.Load() && !s.responded && !s.submitFailed {
		s.mu.Unlock()
		s.cfg.Logger.Debug("deadline reached while the response is in flight")
		return false
	}
	sendTimeout := !s.responded && !s.timeoutSent
	if sendTimeout {
		s.timeoutSent = true
	}
	s.mu.Unlock()

	if sendTimeout {
		if _, err := s.cfg.Backend.RecordResponse(ctx, s.cfg.GroupID, s.cfg.SummonID, s.cfg.MemberID, summon.ResponseTimeout); err != nil && !summon.IsRace(err) {
			s.cfg.Logger.Warn("timeout write failed", "error", err)
		}
		s.markResponded()
	}

	_, err := s.cfg.Backend.Expire(ctx, s.cfg.GroupID, s.cfg.SummonID)
	switch {
	case err == nil, errors.Is(err, summon.ErrSummonTerminal):
		return true
	case errors.Is(err, summon.ErrNotExpired):
		return false
	default:
		s.cfg.Logger.Warn("expire request failed", "error", err)
		return ctx.Err() != nil
	}
}

// isDomainError reports errors that a retry cannot change.
func isDomainError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		summon.ErrSummonNotFound,
		summon.ErrGroupNotFound,
		summon.ErrNotAMember,
		summon.ErrNotInitiator,
		summon.ErrInvalidResponse,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return summon.IsRace(err)
}

package summon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"readycheck/api/internal/realtime"
	"readycheck/api/internal/util"
)

// aggregateAttempts is one try plus one retry after an optimistic-lock
// conflict. A round that still conflicts is finished by the next trigger.
const aggregateAttempts = 2

// DefaultRetention is how long a resolved summon document stays readable.
const DefaultRetention = time.Hour

// Options configures a Coordinator and its Guard.
type Options struct {
	TTL       time.Duration
	Retention time.Duration
	Clock     func() time.Time
	NewID     func() string
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string {
			return util.NewID("smn")
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// TerminalHook observes a summon right after it reached SUCCESS or FAILED.
// Hooks run once per summon, in the process whose write won the terminal
// transition. Their errors are logged and never change the outcome.
type TerminalHook func(ctx context.Context, s Summon) error

type namedHook struct {
	name string
	fn   TerminalHook
}

// Coordinator owns the summon state machine: response intake, outcome
// aggregation, cancellation and the deadline sweep.
type Coordinator struct {
	docs  DocumentStore
	opts  Options
	guard *Guard

	mu    sync.RWMutex
	hooks []namedHook
}

func NewCoordinator(docs DocumentStore, opts Options) *Coordinator {
	c := &Coordinator{docs: docs, opts: opts.withDefaults()}
	c.guard = &Guard{docs: docs, opts: c.opts, superseded: c.resolved}
	return c
}

func (c *Coordinator) Guard() *Guard {
	return c.guard
}

// OnTerminal registers a hook run after every terminal transition.
func (c *Coordinator) OnTerminal(name string, hook TerminalHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: hook})
}

// RegisterGroup creates a group document. Membership is fixed at creation;
// the active pointer always starts empty.
func (c *Coordinator) RegisterGroup(ctx context.Context, group Group) (Group, error) {
	group.ID = strings.TrimSpace(group.ID)
	if group.ID == "" {
		group.ID = util.NewID("grp")
	}
	if strings.ContainsAny(group.ID, "/:") {
		return Group{}, fmt.Errorf("%w: id must not contain '/' or ':'", ErrInvalidGroup)
	}

	seen := make(map[string]struct{}, len(group.MemberIDs))
	members := make([]string, 0, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) == 0 {
		return Group{}, fmt.Errorf("%w: at least one member is required", ErrInvalidGroup)
	}
	group.MemberIDs = members
	group.ActiveSummonID = ""
	group.CreatedAt = c.opts.Clock().UTC()

	raw, err := json.Marshal(group)
	if err != nil {
		return Group{}, fmt.Errorf("encode group: %w", err)
	}
	if err := c.docs.Put(ctx, GroupKey(group.ID), raw); err != nil {
		if errors.Is(err, realtime.ErrExists) {
			return Group{}, ErrGroupExists
		}
		return Group{}, err
	}
	return group, nil
}

func (c *Coordinator) GetGroup(ctx context.Context, groupID string) (Group, error) {
	raw, err := c.docs.Get(ctx, GroupKey(groupID))
	if errors.Is(err, realtime.ErrNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}
	return decodeGroup(raw)
}

// Start opens a summon through the guard.
func (c *Coordinator) Start(ctx context.Context, groupID, initiatorID string) (Summon, error) {
	return c.guard.TryStart(ctx, groupID, initiatorID)
}

// ClearActive is the manual recovery path; see Guard.Clear for the risk.
func (c *Coordinator) ClearActive(ctx context.Context, groupID string) (string, error) {
	return c.guard.Clear(ctx, groupID)
}

func (c *Coordinator) Get(ctx context.Context, groupID, summonID string) (Summon, error) {
	raw, err := c.docs.Get(ctx, SummonKey(groupID, summonID))
	if errors.Is(err, realtime.ErrNotFound) {
		return Summon{}, ErrSummonNotFound
	}
	if err != nil {
		return Summon{}, err
	}
	return decodeSummon(raw)
}

// RecordResponse writes a member's answer if, and only if, their slot is
// still PENDING. Of any number of concurrent writes for the same member
// exactly one wins; the rest get ErrAlreadyResponded. A slot still PENDING
// on an already resolved summon accepts the answer, but the status is never
// revived.
func (c *Coordinator) RecordResponse(ctx context.Context, groupID, summonID, memberID string, status ResponseStatus) (Summon, error) {
	if !status.Terminal() {
		return Summon{}, fmt.Errorf("%w: %s", ErrInvalidResponse, status)
	}

	var recorded Summon
	err := c.docs.Update(ctx, []string{SummonKey(groupID, summonID)}, func(tx realtime.Tx) error {
		s, err := readSummon(tx, groupID, summonID)
		if err != nil {
			return err
		}
		current, ok := s.Responses[memberID]
		if !ok {
			return ErrNotExpected
		}
		if current != ResponsePending {
			return ErrAlreadyResponded
		}
		s.Responses[memberID] = status
		s.Version++
		recorded = s
		return writeSummon(tx, s, c.opts.Retention)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyResponded) {
			c.opts.Metrics.incRace("already_responded")
		}
		return Summon{}, err
	}

	c.opts.Metrics.incResponse(status)
	c.opts.Logger.Debug("response recorded",
		"group_id", groupID,
		"summon_id", summonID,
		"member_id", memberID,
		"response", status,
	)
	if recorded.Status.Terminal() {
		return recorded, nil
	}

	aggregated, err := c.Aggregate(ctx, groupID, summonID)
	if err != nil {
		c.opts.Logger.Warn("aggregation deferred",
			"group_id", groupID,
			"summon_id", summonID,
			"error", err,
		)
		return recorded, nil
	}
	return aggregated, nil
}

// Aggregate evaluates the response map and, if it decides the round, sets
// the terminal status with an "only if still PENDING" write. The first
// caller to see the terminal condition wins; later calls are no-ops that
// return the stored summon.
func (c *Coordinator) Aggregate(ctx context.Context, groupID, summonID string) (Summon, error) {
	var lastErr error
	for attempt := 0; attempt < aggregateAttempts; attempt++ {
		s, resolved, err := c.tryAggregate(ctx, groupID, summonID)
		if errors.Is(err, realtime.ErrConflict) {
			c.opts.Metrics.incRace("aggregate_conflict")
			lastErr = err
			continue
		}
		if err != nil {
			return Summon{}, err
		}
		if resolved {
			c.resolved(ctx, s)
		}
		return s, nil
	}
	return Summon{}, fmt.Errorf("aggregate summon %s: %w", summonID, lastErr)
}

func (c *Coordinator) tryAggregate(ctx context.Context, groupID, summonID string) (Summon, bool, error) {
	var out Summon
	var resolved bool
	err := c.docs.Update(ctx, []string{SummonKey(groupID, summonID), GroupKey(groupID)}, func(tx realtime.Tx) error {
		resolved = false
		s, err := readSummon(tx, groupID, summonID)
		if err != nil {
			return err
		}
		out = s
		if s.Status.Terminal() {
			return nil
		}
		status, reason := Outcome(s.Responses)
		if status == StatusPending {
			return nil
		}
		if err := finalize(tx, &s, status, reason, c.opts.Clock(), c.opts.Retention); err != nil {
			return err
		}
		out, resolved = s, true
		return releaseGroup(tx, groupID, summonID)
	})
	return out, resolved, err
}

// Expire is the deadline sweep. Once the window has closed by this
// coordinator's clock, every slot still PENDING becomes TIMEOUT and the
// round is decided in the same write. Before that it returns
// ErrNotExpired, whatever the caller's own clock says.
func (c *Coordinator) Expire(ctx context.Context, groupID, summonID string) (Summon, error) {
	var out Summon
	err := c.docs.Update(ctx, []string{SummonKey(groupID, summonID), GroupKey(groupID)}, func(tx realtime.Tx) error {
		s, err := readSummon(tx, groupID, summonID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return ErrSummonTerminal
		}
		now := c.opts.Clock()
		if !s.Expired(now) {
			return ErrNotExpired
		}
		for id, status := range s.Responses {
			if status == ResponsePending {
				s.Responses[id] = ResponseTimeout
			}
		}
		status, reason := Outcome(s.Responses)
		if err := finalize(tx, &s, status, reason, now, c.opts.Retention); err != nil {
			return err
		}
		out = s
		return releaseGroup(tx, groupID, summonID)
	})
	if err != nil {
		return Summon{}, err
	}
	c.resolved(ctx, out)
	return out, nil
}

// Cancel lets the initiator fail the round early. It uses the same "only
// if still PENDING" write as aggregation, so a cancel racing a SUCCESS
// loses and gets ErrSummonTerminal.
func (c *Coordinator) Cancel(ctx context.Context, groupID, summonID, initiatorID string) (Summon, error) {
	var out Summon
	err := c.docs.Update(ctx, []string{SummonKey(groupID, summonID), GroupKey(groupID)}, func(tx realtime.Tx) error {
		s, err := readSummon(tx, groupID, summonID)
		if err != nil {
			return err
		}
		if s.InitiatorID != initiatorID {
			return ErrNotInitiator
		}
		if s.Status.Terminal() {
			return ErrSummonTerminal
		}
		if err := finalize(tx, &s, StatusFailed, ReasonCancelled, c.opts.Clock(), c.opts.Retention); err != nil {
			return err
		}
		out = s
		return releaseGroup(tx, groupID, summonID)
	})
	if err != nil {
		return Summon{}, err
	}
	c.resolved(ctx, out)
	return out, nil
}

// Observe streams the summon: the current revision first, then every
// later one. Re-deliveries of a revision already passed on are dropped.
// The channel closes when ctx ends.
func (c *Coordinator) Observe(ctx context.Context, groupID, summonID string) (<-chan Summon, error) {
	if _, err := c.Get(ctx, groupID, summonID); err != nil {
		return nil, err
	}
	raw, err := c.docs.Watch(ctx, SummonKey(groupID, summonID))
	if err != nil {
		return nil, err
	}

	out := make(chan Summon, 1)
	go func() {
		defer close(out)
		var last int64 = -1
		for doc := range raw {
			s, err := decodeSummon(doc)
			if err != nil {
				c.opts.Logger.Warn("dropping undecodable summon revision",
					"group_id", groupID,
					"summon_id", summonID,
					"error", err,
				)
				continue
			}
			if s.Version <= last {
				continue
			}
			last = s.Version
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Coordinator) resolved(ctx context.Context, s Summon) {
	c.opts.Metrics.incResolved(s)
	c.opts.Logger.Info("summon resolved",
		"group_id", s.GroupID,
		"summon_id", s.ID,
		"status", s.Status,
		"reason", s.Reason,
	)

	c.mu.RLock()
	hooks := append([]namedHook(nil), c.hooks...)
	c.mu.RUnlock()

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range hooks {
		if err := hook.fn(hookCtx, s.Clone()); err != nil {
			c.opts.Logger.Warn("terminal hook failed",
				"hook", hook.name,
				"group_id", s.GroupID,
				"summon_id", s.ID,
				"error", err,
			)
		}
	}
}

// forget drops a schedule entry whose summon no longer needs sweeping.
func (c *Coordinator) forget(ctx context.Context, member string) error {
	return c.docs.Update(ctx, nil, func(tx realtime.Tx) error {
		tx.Unschedule(DeadlineSet, member)
		return nil
	})
}

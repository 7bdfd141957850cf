package summon

import (
	"context"
	"errors"
	"time"

	"readycheck/api/internal/realtime"
)

const guardAttempts = 8

// errPointerMoved aborts a start whose view of the active pointer went
// stale between the peek and the transaction.
var errPointerMoved = errors.New("active summon pointer moved")

// Guard enforces at most one live summon per group.
type Guard struct {
	docs       DocumentStore
	opts       Options
	superseded func(context.Context, Summon)
}

// TryStart creates a summon for the group unless a live one exists. The
// group document and the new summon are written in one transaction, which
// also watches the summon the group currently points at. A pointer to a
// summon whose window closed while still PENDING is stale: that summon is
// resolved in the same transaction and replaced.
func (g *Guard) TryStart(ctx context.Context, groupID, initiatorID string) (Summon, error) {
	for attempt := 0; attempt < guardAttempts; attempt++ {
		observed, err := g.peekActive(ctx, groupID)
		if err != nil {
			return Summon{}, err
		}

		created, superseded, err := g.tryStart(ctx, groupID, initiatorID, observed)
		if errors.Is(err, errPointerMoved) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrAlreadyActive):
				g.opts.Metrics.incRejected("already_active")
			case errors.Is(err, ErrNotAMember):
				g.opts.Metrics.incRejected("not_a_member")
			}
			return Summon{}, err
		}

		g.opts.Metrics.incStarted()
		g.opts.Logger.Info("summon started",
			"group_id", groupID,
			"summon_id", created.ID,
			"initiator_id", initiatorID,
			"respondents", len(created.Responses),
			"expires_at", created.ExpiresAt,
		)
		if superseded != nil && g.superseded != nil {
			g.opts.Logger.Warn("stale summon superseded",
				"group_id", groupID,
				"summon_id", superseded.ID,
				"status", superseded.Status,
			)
			g.superseded(ctx, *superseded)
		}
		return created, nil
	}
	return Summon{}, realtime.ErrConflict
}

func (g *Guard) peekActive(ctx context.Context, groupID string) (string, error) {
	raw, err := g.docs.Get(ctx, GroupKey(groupID))
	if errors.Is(err, realtime.ErrNotFound) {
		return "", ErrGroupNotFound
	}
	if err != nil {
		return "", err
	}
	group, err := decodeGroup(raw)
	if err != nil {
		return "", err
	}
	return group.ActiveSummonID, nil
}

func (g *Guard) tryStart(ctx context.Context, groupID, initiatorID, observed string) (Summon, *Summon, error) {
	keys := []string{GroupKey(groupID)}
	if observed != "" {
		keys = append(keys, SummonKey(groupID, observed))
	}

	var created Summon
	var superseded *Summon
	err := g.docs.Update(ctx, keys, func(tx realtime.Tx) error {
		created, superseded = Summon{}, nil

		group, err := readGroup(tx, groupID)
		if err != nil {
			return err
		}
		if group.ActiveSummonID != observed {
			return errPointerMoved
		}
		if !group.HasMember(initiatorID) {
			return ErrNotAMember
		}

		now := g.opts.Clock()
		if group.ActiveSummonID != "" {
			existing, err := readSummon(tx, groupID, group.ActiveSummonID)
			switch {
			case errors.Is(err, ErrSummonNotFound):
			case err != nil:
				return err
			case existing.Status == StatusPending && !existing.Expired(now):
				return &AlreadyActiveError{SummonID: existing.ID}
			case existing.Status == StatusPending:
				for id, status := range existing.Responses {
					if status == ResponsePending {
						existing.Responses[id] = ResponseTimeout
					}
				}
				status, reason := Outcome(existing.Responses)
				if err := finalize(tx, &existing, status, reason, now, g.opts.Retention); err != nil {
					return err
				}
				superseded = &existing
			}
		}

		created = newSummon(group, initiatorID, g.opts.NewID(), now, g.opts.TTL)
		if len(created.Responses) == 0 {
			return ErrNoRespondents
		}
		if err := writeSummon(tx, created, g.opts.Retention); err != nil {
			return err
		}
		tx.Schedule(DeadlineSet, deadlineMember(groupID, created.ID), created.ExpiresAt)

		group.ActiveSummonID = created.ID
		return writeGroup(tx, group)
	})
	if err != nil {
		return Summon{}, nil, err
	}
	return created, superseded, nil
}

// Clear empties the group's active pointer without looking at the summon
// it names. It is the manual recovery path for a pointer stuck on a summon
// nobody will resolve. Used on a live summon it lets a second round start
// while the first still runs, so callers must be privileged. Returns the
// id that was cleared, empty if none.
func (g *Guard) Clear(ctx context.Context, groupID string) (string, error) {
	var previous string
	err := g.docs.Update(ctx, []string{GroupKey(groupID)}, func(tx realtime.Tx) error {
		previous = ""
		group, err := readGroup(tx, groupID)
		if err != nil {
			return err
		}
		previous = group.ActiveSummonID
		if previous == "" {
			return nil
		}
		group.ActiveSummonID = ""
		return writeGroup(tx, group)
	})
	if err != nil {
		return "", err
	}
	if previous != "" {
		g.opts.Metrics.incClear()
		g.opts.Logger.Warn("active summon pointer cleared manually",
			"group_id", groupID,
			"summon_id", previous,
		)
	}
	return previous, nil
}

func newSummon(group Group, initiatorID, id string, now time.Time, ttl time.Duration) Summon {
	s := Summon{
		ID:            id,
		GroupID:       group.ID,
		InitiatorID:   initiatorID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        StatusPending,
		Responses:     make(map[string]ResponseStatus, len(group.MemberIDs)),
		Version:       1,
		GroupName:     group.Name,
		GroupPhotoURL: group.PhotoURL,
	}
	for _, memberID := range group.MemberIDs {
		if memberID != initiatorID {
			s.Responses[memberID] = ResponsePending
		}
		if info, ok := group.Members[memberID]; ok {
			if s.Members == nil {
				s.Members = make(map[string]MemberInfo, len(group.MemberIDs))
			}
			s.Members[memberID] = info
		}
	}
	return s
}

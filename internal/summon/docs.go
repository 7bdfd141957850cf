package summon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"readycheck/api/internal/realtime"
)

// DeadlineSet is the schedule of open summons keyed by expiry.
const DeadlineSet = "summon:deadlines"

// DocumentStore is the subset of the realtime store the protocol needs.
type DocumentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, doc []byte) error
	Update(ctx context.Context, keys []string, fn func(realtime.Tx) error) error
	Watch(ctx context.Context, key string) (<-chan []byte, error)
	Due(ctx context.Context, set string, now time.Time) ([]string, error)
}

func GroupKey(groupID string) string {
	return "group:" + groupID
}

func SummonKey(groupID, summonID string) string {
	return "group:" + groupID + ":summon:" + summonID
}

func deadlineMember(groupID, summonID string) string {
	return groupID + "/" + summonID
}

func splitDeadlineMember(member string) (groupID, summonID string, ok bool) {
	return strings.Cut(member, "/")
}

func readGroup(tx realtime.Tx, groupID string) (Group, error) {
	raw, err := tx.Get(GroupKey(groupID))
	if errors.Is(err, realtime.ErrNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}
	return decodeGroup(raw)
}

func decodeGroup(raw []byte) (Group, error) {
	var group Group
	if err := json.Unmarshal(raw, &group); err != nil {
		return Group{}, fmt.Errorf("decode group: %w", err)
	}
	return group, nil
}

func readSummon(tx realtime.Tx, groupID, summonID string) (Summon, error) {
	raw, err := tx.Get(SummonKey(groupID, summonID))
	if errors.Is(err, realtime.ErrNotFound) {
		return Summon{}, ErrSummonNotFound
	}
	if err != nil {
		return Summon{}, err
	}
	return decodeSummon(raw)
}

func decodeSummon(raw []byte) (Summon, error) {
	var s Summon
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summon{}, fmt.Errorf("decode summon: %w", err)
	}
	if s.Responses == nil {
		s.Responses = map[string]ResponseStatus{}
	}
	return s, nil
}

func writeGroup(tx realtime.Tx, group Group) error {
	raw, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encode group %s: %w", group.ID, err)
	}
	tx.Set(GroupKey(group.ID), raw)
	return nil
}

// writeSummon stores a revision. Terminal summons get the retention expiry
// re-applied, since each SET clears it.
func writeSummon(tx realtime.Tx, s Summon, retention time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summon %s: %w", s.ID, err)
	}
	key := SummonKey(s.GroupID, s.ID)
	tx.Set(key, raw)
	if s.Status.Terminal() {
		tx.Retain(key, retention)
	}
	return nil
}

// finalize moves a pending summon to its terminal status and takes it off
// the deadline schedule. Callers have already checked it is PENDING.
func finalize(tx realtime.Tx, s *Summon, status Status, reason Reason, now time.Time, retention time.Duration) error {
	s.Status = status
	s.Reason = reason
	resolved := now
	s.ResolvedAt = &resolved
	s.Version++
	tx.Unschedule(DeadlineSet, deadlineMember(s.GroupID, s.ID))
	return writeSummon(tx, *s, retention)
}

// releaseGroup clears the group's active pointer if it still names this
// summon. A pointer already cleared or moved on is left alone.
func releaseGroup(tx realtime.Tx, groupID, summonID string) error {
	group, err := readGroup(tx, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if group.ActiveSummonID != summonID {
		return nil
	}
	group.ActiveSummonID = ""
	return writeGroup(tx, group)
}

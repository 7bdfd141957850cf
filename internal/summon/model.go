// Package summon implements the ready-check round: one member of a group
// asks every other member to confirm availability before a deadline, and
// the group converges on a single SUCCESS or FAILED outcome.
//
// All state lives in the realtime document store. Every mutation is a
// conditional write inside an optimistic transaction, which is the only
// synchronisation between devices.
package summon

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTTL is the response window of a summon.
const DefaultTTL = 60 * time.Second

// Status is the aggregate state of a summon. SUCCESS and FAILED are
// terminal and never left.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ResponseStatus is one respondent's answer. Anything but PENDING is
// final for that member.
type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "PENDING"
	ResponseAccepted ResponseStatus = "ACCEPTED"
	ResponseDeclined ResponseStatus = "DECLINED"
	ResponseTimeout  ResponseStatus = "TIMEOUT"
)

func (r ResponseStatus) Terminal() bool {
	return r == ResponseAccepted || r == ResponseDeclined || r == ResponseTimeout
}

// ParseResponseStatus accepts the wire names case-insensitively.
func ParseResponseStatus(value string) (ResponseStatus, error) {
	status := ResponseStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case ResponsePending, ResponseAccepted, ResponseDeclined, ResponseTimeout:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResponse, value)
}

// Reason records why a summon reached its terminal status.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonAllAccepted Reason = "all_accepted"
	ReasonDeclined    Reason = "declined"
	ReasonTimeout     Reason = "timeout"
	ReasonCancelled   Reason = "cancelled"
)

// MemberInfo is display data copied into a summon for rendering.
type MemberInfo struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Group is a persistent circle of members.
type Group struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	PhotoURL       string                `json:"photoUrl,omitempty"`
	MemberIDs      []string              `json:"memberIds"`
	Members        map[string]MemberInfo `json:"members,omitempty"`
	ActiveSummonID string                `json:"activeSummonId,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

func (g Group) HasMember(memberID string) bool {
	for _, id := range g.MemberIDs {
		if id == memberID {
			return true
		}
	}
	return false
}

// Summon is one round of the ready-check protocol.
type Summon struct {
	ID          string                    `json:"id"`
	GroupID     string                    `json:"groupId"`
	InitiatorID string                    `json:"initiatorId"`
	CreatedAt   time.Time                 `json:"createdAt"`
	ExpiresAt   time.Time                 `json:"expiresAt"`
	Status      Status                    `json:"status"`
	Reason      Reason                    `json:"reason,omitempty"`
	ResolvedAt  *time.Time                `json:"resolvedAt,omitempty"`
	Responses   map[string]ResponseStatus `json:"responses"`
	Version     int64                     `json:"version"`

	GroupName     string                `json:"groupName,omitempty"`
	GroupPhotoURL string                `json:"groupPhotoUrl,omitempty"`
	Members       map[string]MemberInfo `json:"members,omitempty"`
}

// Respondents returns the expected respondents in a stable order.
func (s Summon) Respondents() []string {
	ids := make([]string, 0, len(s.Responses))
	for id := range s.Responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expired reports whether the response window has closed at now.
func (s Summon) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Summon) Clone() Summon {
	out := s
	if s.ResolvedAt != nil {
		resolved := *s.ResolvedAt
		out.ResolvedAt = &resolved
	}
	if s.Responses != nil {
		out.Responses = make(map[string]ResponseStatus, len(s.Responses))
		for id, status := range s.Responses {
			out.Responses[id] = status
		}
	}
	if s.Members != nil {
		out.Members = make(map[string]MemberInfo, len(s.Members))
		for id, info := range s.Members {
			out.Members[id] = info
		}
	}
	return out
}

// Outcome aggregates a response map. Any DECLINED or TIMEOUT fails the
// round, unanimous ACCEPTED succeeds it, anything else stays PENDING. The
// result depends only on the set of values, never on arrival order.
func Outcome(responses map[string]ResponseStatus) (Status, Reason) {
	if len(responses) == 0 {
		return StatusPending, ReasonNone
	}
	var declined, timedOut, pending bool
	for _, status := range responses {
		switch status {
		case ResponseDeclined:
			declined = true
		case ResponseTimeout:
			timedOut = true
		case ResponseAccepted:
		default:
			pending = true
		}
	}
	switch {
	case declined:
		return StatusFailed, ReasonDeclined
	case timedOut:
		return StatusFailed, ReasonTimeout
	case pending:
		return StatusPending, ReasonNone
	}
	return StatusSuccess, ReasonAllAccepted
}

// Remaining is the countdown shown to a member, recomputed from the
// deadline on every observation. Never negative.
func Remaining(now, expiresAt time.Time) time.Duration {
	left := expiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

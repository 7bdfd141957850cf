package summon

import (
	"errors"
	"testing"
	"time"
)

func TestOutcome(t *testing.T) {
	cases := []struct {
		name      string
		responses map[string]ResponseStatus
		status    Status
		reason    Reason
	}{
		{name: "empty", responses: nil, status: StatusPending, reason: ReasonNone},
		{name: "all pending", responses: map[string]ResponseStatus{"b": ResponsePending, "c": ResponsePending}, status: StatusPending},
		{name: "partial accept", responses: map[string]ResponseStatus{"b": ResponseAccepted, "c": ResponsePending}, status: StatusPending},
		{name: "all accepted", responses: map[string]ResponseStatus{"b": ResponseAccepted, "c": ResponseAccepted}, status: StatusSuccess, reason: ReasonAllAccepted},
		{name: "decline with pending", responses: map[string]ResponseStatus{"b": ResponseDeclined, "c": ResponsePending}, status: StatusFailed, reason: ReasonDeclined},
		{name: "decline with accept", responses: map[string]ResponseStatus{"b": ResponseAccepted, "c": ResponseDeclined}, status: StatusFailed, reason: ReasonDeclined},
		{name: "timeout with accept", responses: map[string]ResponseStatus{"b": ResponseTimeout, "c": ResponseAccepted}, status: StatusFailed, reason: ReasonTimeout},
		{name: "decline beats timeout", responses: map[string]ResponseStatus{"b": ResponseTimeout, "c": ResponseDeclined}, status: StatusFailed, reason: ReasonDeclined},
		{name: "unknown value counts as pending", responses: map[string]ResponseStatus{"b": "MAYBE"}, status: StatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := Outcome(tc.responses)
			if status != tc.status || reason != tc.reason {
				t.Fatalf("Outcome() = (%s, %q), want (%s, %q)", status, reason, tc.status, tc.reason)
			}
		})
	}
}

func TestParseResponseStatus(t *testing.T) {
	status, err := ParseResponseStatus(" accepted ")
	if err != nil {
		t.Fatalf("ParseResponseStatus() error = %v", err)
	}
	if status != ResponseAccepted {
		t.Fatalf("expected ACCEPTED, got %s", status)
	}
	if _, err := ParseResponseStatus("ready"); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	expires := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := Remaining(expires.Add(-15*time.Second), expires); got != 15*time.Second {
		t.Fatalf("expected 15s, got %s", got)
	}
	if got := Remaining(expires.Add(time.Minute), expires); got != 0 {
		t.Fatalf("expected 0 after the deadline, got %s", got)
	}
}

func TestSummonRespondentsSorted(t *testing.T) {
	s := Summon{Responses: map[string]ResponseStatus{"c": ResponsePending, "a": ResponsePending, "b": ResponseAccepted}}
	got := s.Respondents()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected respondents %v", got)
	}
}

func TestSummonCloneIsIndependent(t *testing.T) {
	resolved := time.Now()
	s := Summon{
		Responses:  map[string]ResponseStatus{"b": ResponsePending},
		Members:    map[string]MemberInfo{"b": {DisplayName: "Bo"}},
		ResolvedAt: &resolved,
	}
	clone := s.Clone()
	clone.Responses["b"] = ResponseAccepted
	clone.Members["b"] = MemberInfo{DisplayName: "changed"}
	*clone.ResolvedAt = resolved.Add(time.Hour)

	if s.Responses["b"] != ResponsePending {
		t.Fatal("clone shares the response map")
	}
	if s.Members["b"].DisplayName != "Bo" {
		t.Fatal("clone shares the member map")
	}
	if !s.ResolvedAt.Equal(resolved) {
		t.Fatal("clone shares the resolution time")
	}
}

func TestSplitDeadlineMember(t *testing.T) {
	groupID, summonID, ok := splitDeadlineMember(deadlineMember("g1", "smn_1"))
	if !ok || groupID != "g1" || summonID != "smn_1" {
		t.Fatalf("unexpected split (%q, %q, %v)", groupID, summonID, ok)
	}
	if _, _, ok := splitDeadlineMember("garbage"); ok {
		t.Fatal("expected split of a member without separator to fail")
	}
}

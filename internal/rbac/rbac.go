// Package rbac decides what a member may do with a summon based on the part
// they play in it.
package rbac

import "readycheck/api/internal/summon"

type Role string
type Action string

const (
	RoleOutsider   Role = "outsider"
	RoleRespondent Role = "respondent"
	RoleInitiator  Role = "initiator"
)

const (
	ActionObserve Action = "observe"
	ActionRespond Action = "respond"
	ActionCancel  Action = "cancel"
	ActionExpire  Action = "expire"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleInitiator:
		return action == ActionObserve || action == ActionCancel || action == ActionExpire
	case RoleRespondent:
		return action == ActionObserve || action == ActionRespond || action == ActionExpire
	default:
		return false
	}
}

// RoleOf reports the role memberID holds in s. The respondent set is fixed
// at start, so members added to the group later stay outsiders.
func RoleOf(s summon.Summon, memberID string) Role {
	if memberID == "" {
		return RoleOutsider
	}
	if s.InitiatorID == memberID {
		return RoleInitiator
	}
	if _, ok := s.Responses[memberID]; ok {
		return RoleRespondent
	}
	return RoleOutsider
}


package summon

import (
	"errors"
	"fmt"
)

var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupExists      = errors.New("group already exists")
	ErrInvalidGroup     = errors.New("invalid group")
	ErrSummonNotFound   = errors.New("summon not found")
	ErrNotAMember       = errors.New("not a member of the group")
	ErrNoRespondents    = errors.New("group has no other members to summon")
	ErrAlreadyActive    = errors.New("group already has an active summon")
	ErrAlreadyResponded = errors.New("member already responded")
	ErrNotExpected      = errors.New("member is not an expected respondent")
	ErrInvalidResponse  = errors.New("invalid response status")
	ErrSummonTerminal   = errors.New("summon already resolved")
	ErrNotInitiator     = errors.New("only the initiator may cancel")
	ErrNotExpired       = errors.New("summon has not expired yet")
)

// AlreadyActiveError carries the summon that blocked a new one, so callers
// can offer to join it instead.
type AlreadyActiveError struct {
	SummonID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyActive, e.SummonID)
}

func (e *AlreadyActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}

// IsRace reports errors produced by losing a conditional write to another
// writer. They are expected under concurrency and never user-facing.
func IsRace(err error) bool {
	return errors.Is(err, ErrAlreadyResponded) ||
		errors.Is(err, ErrNotExpected) ||
		errors.Is(err, ErrSummonTerminal) ||
		errors.Is(err, ErrNotExpired)
}

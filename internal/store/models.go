package store

import "time"

// SummonRecord is the archived form of a resolved summon.
type SummonRecord struct {
	SummonID        string
	GroupID         string
	InitiatorID     string
	Status          string
	Reason          string
	Responses       map[string]string
	RespondentCount int
	AcceptedCount   int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ResolvedAt      time.Time
	ArchivedAt      time.Time
}

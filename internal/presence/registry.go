package presence

import (
	"context"
	"errors"
	"time"
)

// DefaultInterval is how often a keep-alive refreshes its presence marker.
const DefaultInterval = 5 * time.Second

// ErrInvalidTTL is returned for a heartbeat without a positive lifetime.
var ErrInvalidTTL = errors.New("presence ttl must be positive")

// MarkerStore holds short-lived marker keys.
type MarkerStore interface {
	Touch(ctx context.Context, key string, ttl time.Duration) error
	Drop(ctx context.Context, key string) error
	Alive(ctx context.Context, keys ...string) ([]bool, error)
}

// Registry records which members currently have a device attached to a
// summon. A marker lapses on its own when heartbeats stop.
type Registry struct {
	markers MarkerStore
	maxTTL  time.Duration
}

func NewRegistry(markers MarkerStore) *Registry {
	return &Registry{markers: markers, maxTTL: 10 * time.Minute}
}

func Key(groupID, summonID, memberID string) string {
	return "presence:" + groupID + ":" + summonID + ":" + memberID
}

// Heartbeat creates or refreshes the member's marker for ttl.
func (r *Registry) Heartbeat(ctx context.Context, groupID, summonID, memberID string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	return r.markers.Touch(ctx, Key(groupID, summonID, memberID), ttl)
}

// Leave removes the member's marker.
func (r *Registry) Leave(ctx context.Context, groupID, summonID, memberID string) error {
	return r.markers.Drop(ctx, Key(groupID, summonID, memberID))
}

// Present reports, for each member, whether a live marker exists.
func (r *Registry) Present(ctx context.Context, groupID, summonID string, memberIDs []string) (map[string]bool, error) {
	keys := make([]string, len(memberIDs))
	for i, id := range memberIDs {
		keys[i] = Key(groupID, summonID, id)
	}
	alive, err := r.markers.Alive(ctx, keys...)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(memberIDs))
	for i, id := range memberIDs {
		present[id] = alive[i]
	}
	return present, nil
}

package presence

import (
	"context"
	"time"

	"parley/internal/models"
)

// Store keeps presence records and the online set in step: a user is in the
// online set exactly when a record exists for them.
type Store interface {
	// Upsert writes the record and adds the user to the online set.
	Upsert(ctx context.Context, rec models.PresenceRecord) error
	// Remove deletes the record. It reports whether anything was removed.
	Remove(ctx context.Context, userID string) (bool, error)
	// RemoveIfStale deletes the record only if its heartbeat is at or before
	// cutoff, so a concurrent refresh wins over the sweep.
	RemoveIfStale(ctx context.Context, userID string, cutoff time.Time) (bool, error)
	// Touch refreshes the heartbeat of an existing record.
	Touch(ctx context.Context, userID string, at time.Time) (bool, error)
	Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error)
	// SetStatus changes the status of an existing record.
	SetStatus(ctx context.Context, userID string, status models.UserStatus) (bool, error)
	// List returns every member of the online set. A member whose record
	// is partially missing is returned with a zero heartbeat.
	List(ctx context.Context) ([]models.PresenceRecord, error)

	// AddRoomMember and RemoveRoomMember maintain the member set of a room.
	AddRoomMember(ctx context.Context, roomID, userID string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
}

// Package presence tracks which users are online across all gateway
// instances and detects silent clients through heartbeat expiry.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"parley/internal/apperr"
	"parley/internal/bus"
	"parley/internal/models"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultOfflineThreshold  = 15 * time.Second
)

type Config struct {
	// HeartbeatInterval is advertised to clients.
	HeartbeatInterval time.Duration
	// OfflineThreshold is both the staleness limit and the sweep period.
	OfflineThreshold time.Duration
}

// Registry maintains presence records and publishes online/offline
// transitions on the bus. Safe for concurrent use.
type Registry struct {
	store Store
	bus   bus.Publisher
	cfg   Config
	now   func() time.Time
}

func NewRegistry(store Store, publisher bus.Publisher, cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	return &Registry{
		store: store,
		bus:   publisher,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (r *Registry) Config() Config {
	return r.cfg
}

// SetOnline records the connection as the user's current one. The latest
// connection wins, resets the status to online and publishes the online
// event every time.
func (r *Registry) SetOnline(ctx context.Context, userID, connectionID string) error {
	now := r.now()
	rec := models.PresenceRecord{
		UserID:          userID,
		ConnectionID:    connectionID,
		Status:          models.StatusOnline,
		LastHeartbeatAt: now,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return apperr.Unavailable(err)
	}

	return r.publish(ctx, bus.PresenceOnlineChannel, models.EnvelopeOnline, models.PresencePayload{
		UserID:       userID,
		ConnectionID: connectionID,
		Timestamp:    now,
	})
}

// SetOffline removes the user's record. Nothing is published when there was
// no record.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	removed, err := r.store.Remove(ctx, userID)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if !removed {
		return nil
	}
	return r.publishOffline(ctx, userID)
}

// Heartbeat refreshes the user's record. Unknown users are ignored.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	if _, err := r.store.Touch(ctx, userID, r.now()); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// SetStatus changes the status shown for a connected user and announces it
// to everyone.
func (r *Registry) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	if !status.Valid() {
		return apperr.Validation("invalid status %q", status)
	}
	ok, err := r.store.SetStatus(ctx, userID, status)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if !ok {
		return apperr.NotFound("user %s is not online", userID)
	}

	err = bus.Publish(ctx, r.bus, bus.PresenceStatusChannel, models.EnvelopeStatus, models.StatusPayload{
		UserID:    userID,
		Status:    status,
		Timestamp: r.now(),
	})
	if err != nil {
		return fmt.Errorf("publish status for %s: %w", userID, err)
	}
	return nil
}

// Sweep marks every user whose heartbeat is older than the threshold as
// offline and returns how many transitions this call published. Removal is
// conditional in the store, so concurrent sweeps on other instances never
// publish the same transition twice.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, apperr.Unavailable(err)
	}

	cutoff := r.now().Add(-r.cfg.OfflineThreshold)
	swept := 0
	for _, rec := range records {
		if rec.LastHeartbeatAt.After(cutoff) {
			continue
		}
		removed, err := r.store.RemoveIfStale(ctx, rec.UserID, cutoff)
		if err != nil {
			return swept, apperr.Unavailable(err)
		}
		if !removed {
			continue
		}
		swept++
		if err := r.publishOffline(ctx, rec.UserID); err != nil {
			slog.Error("publish offline after sweep", "user_id", rec.UserID, "error", err)
		}
	}
	return swept, nil
}

// Run sweeps every OfflineThreshold until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.OfflineThreshold)
	defer ticker.Stop()

	slog.Info("presence sweep started", "interval", r.cfg.OfflineThreshold)
	for {
		select {
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				slog.Error("presence sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("presence sweep", "offline", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// OnlineUsers lists users with a fresh heartbeat, sorted by id.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}

	cutoff := r.now().Add(-r.cfg.OfflineThreshold)
	users := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.LastHeartbeatAt.After(cutoff) {
			users = append(users, rec.UserID)
		}
	}
	slices.Sort(users)
	return users, nil
}

func (r *Registry) Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	rec, ok, err := r.store.Get(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, false, apperr.Unavailable(err)
	}
	return rec, ok, nil
}

// IsOnline treats a stale record as offline even before the sweep runs.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	rec, ok, err := r.Get(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return rec.LastHeartbeatAt.After(r.now().Add(-r.cfg.OfflineThreshold)), nil
}

// Presence reports whether the user is online and the status they show.
// Offline users always show as offline.
func (r *Registry) Presence(ctx context.Context, userID string) (models.UserPresence, error) {
	p := models.UserPresence{UserID: userID, Status: models.StatusOffline}
	rec, ok, err := r.Get(ctx, userID)
	if err != nil || !ok {
		return p, err
	}
	if !rec.LastHeartbeatAt.After(r.now().Add(-r.cfg.OfflineThreshold)) {
		return p, nil
	}

	p.Online = true
	p.Status = rec.Status
	if p.Status == "" {
		p.Status = models.StatusOnline
	}
	p.LastHeartbeatAt = rec.LastHeartbeatAt
	return p, nil
}

// JoinRoom adds the user to the room member set and tells the room. It
// returns the members after the change.
func (r *Registry) JoinRoom(ctx context.Context, roomID, userID string) ([]string, error) {
	if err := r.store.AddRoomMember(ctx, roomID, userID); err != nil {
		return nil, apperr.Unavailable(err)
	}
	users, err := r.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.publishMembership(ctx, models.EnvelopeUserJoinedRoom, roomID, userID, users)
	return users, nil
}

// LeaveRoom removes the user from the room member set. Nothing is published
// when the user was not a member.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, userID string) error {
	removed, err := r.store.RemoveRoomMember(ctx, roomID, userID)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if !removed {
		return nil
	}
	users, err := r.RoomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	r.publishMembership(ctx, models.EnvelopeUserLeftRoom, roomID, userID, users)
	return nil
}

// RoomMembers lists the members of a room, sorted by id.
func (r *Registry) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	users, err := r.store.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

func (r *Registry) publishMembership(ctx context.Context, typ, roomID, userID string, users []string) {
	err := bus.Publish(ctx, r.bus, bus.RoomChannel(roomID), typ, models.RoomMembershipPayload{
		UserID: userID,
		RoomID: roomID,
		Users:  users,
	})
	if err != nil {
		slog.Error("failed to publish room membership", "type", typ, "room_id", roomID, "user_id", userID, "error", err)
	}
}

func (r *Registry) publishOffline(ctx context.Context, userID string) error {
	return r.publish(ctx, bus.PresenceOfflineChannel, models.EnvelopeOffline, models.PresencePayload{
		UserID:    userID,
		Timestamp: r.now(),
	})
}

func (r *Registry) publish(ctx context.Context, channel, typ string, payload models.PresencePayload) error {
	if err := bus.Publish(ctx, r.bus, channel, typ, payload); err != nil {
		return fmt.Errorf("publish %s for %s: %w", typ, payload.UserID, err)
	}
	return nil
}

package presence

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/c-pro/geche"

	"parley/internal/models"
)

// MemoryStore keeps presence in process memory. Single instance only.
type MemoryStore struct {
	cache   *geche.MapCache[string, models.PresenceRecord]
	records *geche.Locker[string, models.PresenceRecord]
	// room id -> member set
	rooms *geche.Locker[string, map[string]bool]
}

func NewMemoryStore() *MemoryStore {
	cache := geche.NewMapCache[string, models.PresenceRecord]()
	return &MemoryStore{
		cache:   cache,
		records: geche.NewLocker[string, models.PresenceRecord](cache),
		rooms:   geche.NewLocker[string, map[string]bool](geche.NewMapCache[string, map[string]bool]()),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, rec models.PresenceRecord) error {
	tx := s.records.Lock()
	defer tx.Unlock()

	tx.Set(rec.UserID, rec)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, userID string) (bool, error) {
	tx := s.records.Lock()
	defer tx.Unlock()

	if _, err := tx.Get(userID); err != nil {
		return false, nil
	}
	_ = tx.Del(userID)
	return true, nil
}

func (s *MemoryStore) RemoveIfStale(_ context.Context, userID string, cutoff time.Time) (bool, error) {
	tx := s.records.Lock()
	defer tx.Unlock()

	rec, err := tx.Get(userID)
	if err != nil {
		return false, nil
	}
	if rec.LastHeartbeatAt.After(cutoff) {
		return false, nil
	}
	_ = tx.Del(userID)
	return true, nil
}

func (s *MemoryStore) Touch(_ context.Context, userID string, at time.Time) (bool, error) {
	tx := s.records.Lock()
	defer tx.Unlock()

	rec, err := tx.Get(userID)
	if err != nil {
		return false, nil
	}
	rec.LastHeartbeatAt = at
	tx.Set(userID, rec)
	return true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, userID string, status models.UserStatus) (bool, error) {
	tx := s.records.Lock()
	defer tx.Unlock()

	rec, err := tx.Get(userID)
	if err != nil {
		return false, nil
	}
	rec.Status = status
	tx.Set(userID, rec)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (models.PresenceRecord, bool, error) {
	rec, err := s.cache.Get(userID)
	if err != nil {
		return models.PresenceRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.PresenceRecord, error) {
	tx := s.records.Lock()
	defer tx.Unlock()

	snapshot := s.cache.Snapshot()
	out := make([]models.PresenceRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) AddRoomMember(_ context.Context, roomID, userID string) error {
	tx := s.rooms.Lock()
	defer tx.Unlock()

	members, _ := tx.Get(roomID)
	next := maps.Clone(members)
	if next == nil {
		next = make(map[string]bool)
	}
	next[userID] = true
	tx.Set(roomID, next)
	return nil
}

func (s *MemoryStore) RemoveRoomMember(_ context.Context, roomID, userID string) (bool, error) {
	tx := s.rooms.Lock()
	defer tx.Unlock()

	members, err := tx.Get(roomID)
	if err != nil || !members[userID] {
		return false, nil
	}
	next := maps.Clone(members)
	delete(next, userID)
	if len(next) == 0 {
		_ = tx.Del(roomID)
	} else {
		tx.Set(roomID, next)
	}
	return true, nil
}

func (s *MemoryStore) RoomMembers(_ context.Context, roomID string) ([]string, error) {
	tx := s.rooms.RLock()
	defer tx.Unlock()

	members, err := tx.Get(roomID)
	if err != nil {
		return nil, nil
	}
	return slices.Sorted(maps.Keys(members)), nil
}

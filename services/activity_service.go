package services

import (
	"context"
	"encoding/json"
	"log"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// movementHistoryLimit caps the per-user movement trail.
const movementHistoryLimit = 100

// TouchActivity creates or refreshes the per-user activity profile. Activity
// is advisory, so failures are logged and swallowed.
func (s *UserService) TouchActivity(ctx context.Context, userID string) {
	key := storage.ActivityKey(userID)
	now := s.now().UnixMilli()

	profile := models.ActivityProfile{UserID: userID, Created: now, LastLogin: now}
	if raw, ok, err := s.store.Get(ctx, key); err == nil && ok {
		var existing models.ActivityProfile
		if err := json.Unmarshal([]byte(raw), &existing); err == nil && existing.UserID == userID {
			profile = existing
			profile.LastLogin = now
		}
	}
	profile.LastActive = now

	raw, err := json.Marshal(profile)
	if err != nil {
		log.Printf("Failed to serialize activity profile for %s: %v", userID, err)
		return
	}
	if err := s.store.Set(ctx, key, string(raw)); err != nil {
		log.Printf("Failed to persist activity profile for %s: %v", userID, err)
	}
}

// GetActivityProfile loads the per-user activity record.
func (s *UserService) GetActivityProfile(ctx context.Context, userID string) (models.ActivityProfile, bool) {
	raw, ok, err := s.store.Get(ctx, storage.ActivityKey(userID))
	if err != nil || !ok {
		return models.ActivityProfile{}, false
	}
	var profile models.ActivityProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return models.ActivityProfile{}, false
	}
	return profile, true
}

// UpdateUserPosition moves the account marker, extends the movement trail
// and credits the walked distance to the account stats.
func (s *UserService) UpdateUserPosition(ctx context.Context, userID string, position []float64) (models.Account, error) {
	if !models.ValidPosition(position) {
		return models.Account{}, errors.WithMessage(errors.ErrInvalidInput, "Invalid coordinates")
	}

	previous, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return models.Account{}, errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	patch := AccountPatch{Position: position}
	if models.ValidPosition(previous.Position) {
		moved := Distance(previous.Position, position)
		// tiny jitter from GPS noise is not a walk
		if moved > 0.001 {
			stats := previous.Stats
			stats.TotalDistance += moved
			patch.Stats = &stats
		}
	}

	updated, err := s.UpdateUser(ctx, userID, patch)
	if err != nil {
		return models.Account{}, err
	}

	s.recordMovement(ctx, userID, position)
	return updated, nil
}

// recordMovement appends one point to the capped movement trail.
func (s *UserService) recordMovement(ctx context.Context, userID string, position []float64) {
	key := storage.MovementsKey(userID)

	var trail []models.MovementPoint
	if raw, ok, err := s.store.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal([]byte(raw), &trail); err != nil {
			trail = nil
		}
	}

	trail = append(trail, models.MovementPoint{
		Position:  append([]float64(nil), position...),
		Timestamp: s.now().UnixMilli(),
	})
	if len(trail) > movementHistoryLimit {
		trail = trail[len(trail)-movementHistoryLimit:]
	}

	raw, err := json.Marshal(trail)
	if err != nil {
		log.Printf("Failed to serialize movement trail for %s: %v", userID, err)
		return
	}
	if err := s.store.Set(ctx, key, string(raw)); err != nil {
		log.Printf("Failed to persist movement trail for %s: %v", userID, err)
	}
}

// GetMovementHistory returns the stored trail, newest last.
func (s *UserService) GetMovementHistory(ctx context.Context, userID string) []models.MovementPoint {
	raw, ok, err := s.store.Get(ctx, storage.MovementsKey(userID))
	if err != nil || !ok {
		return nil
	}
	var trail []models.MovementPoint
	if err := json.Unmarshal([]byte(raw), &trail); err != nil {
		return nil
	}
	return trail
}

package services

import (
	"context"
	"log"
	"sync"
	"time"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// maxBackups bounds the retained snapshot ring, oldest dropped first.
const maxBackups = 5

// backupSchemaVersion tags snapshots so a future format change can refuse
// to restore what it cannot read.
const backupSchemaVersion = 1

// Snapshot is one point-in-time copy of the account directory and the
// friend graph.
type Snapshot struct {
	Users          []models.Account       `json:"users"`
	FriendRequests []models.FriendRequest `json:"friendRequests"`
	Timestamp      int64                  `json:"timestamp"`
	Version        int                    `json:"version"`
}

// BackupService snapshots the directory state into a capped ring under its
// own key and restores from it wholesale.
type BackupService struct {
	users    *storage.Collection[models.Account]
	requests *storage.Collection[models.FriendRequest]
	ring     *storage.Document[[]Snapshot]

	now func() time.Time

	mu      sync.Mutex
	pending *time.Timer
}

func NewBackupService(
	users *storage.Collection[models.Account],
	requests *storage.Collection[models.FriendRequest],
	ring *storage.Document[[]Snapshot],
) *BackupService {
	return &BackupService{
		users:    users,
		requests: requests,
		ring:     ring,
		now:      time.Now,
	}
}

// ArmOnSave registers after-save hooks on both collections so every
// directory write schedules a snapshot. Saves within the window collapse
// into one backup. The hooks fire while the collection lock is held, so
// they only arm the timer; the snapshot itself runs later on its own
// goroutine.
func (s *BackupService) ArmOnSave(window time.Duration) {
	s.users.OnSave(func([]models.Account) { s.scheduleBackup(window) })
	s.requests.OnSave(func([]models.FriendRequest) { s.scheduleBackup(window) })
}

func (s *BackupService) scheduleBackup(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(window, func() {
		if _, err := s.Backup(context.Background()); err != nil {
			log.Printf("Save-triggered backup failed: %v", err)
		}
	})
}

// Backup appends a snapshot, evicting the oldest past the retention cap.
func (s *BackupService) Backup(ctx context.Context) (Snapshot, error) {
	users, _ := s.users.Load(ctx)
	requests, _ := s.requests.Load(ctx)

	snapshot := Snapshot{
		Users:          users,
		FriendRequests: requests,
		Timestamp:      s.now().UnixMilli(),
		Version:        backupSchemaVersion,
	}

	err := s.ring.Mutate(ctx, func(ring *[]Snapshot) error {
		*ring = append(*ring, snapshot)
		if len(*ring) > maxBackups {
			*ring = append([]Snapshot(nil), (*ring)[len(*ring)-maxBackups:]...)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	log.Printf("Backed up %d users and %d friend requests", len(users), len(requests))
	return snapshot, nil
}

// ListBackups returns the retained snapshots, oldest first.
func (s *BackupService) ListBackups(ctx context.Context) []Snapshot {
	ring, _ := s.ring.Load(ctx)
	return append([]Snapshot(nil), ring...)
}

// RestoreLatest replaces the live directory and friend graph with the most
// recent snapshot.
func (s *BackupService) RestoreLatest(ctx context.Context) (Snapshot, error) {
	ring, _ := s.ring.Load(ctx)
	if len(ring) == 0 {
		return Snapshot{}, errors.WithMessage(errors.ErrNotFound, "No backups available")
	}
	latest := ring[len(ring)-1]
	if err := s.restore(ctx, latest); err != nil {
		return Snapshot{}, err
	}
	return latest, nil
}

// RestoreAt restores the snapshot with the given timestamp.
func (s *BackupService) RestoreAt(ctx context.Context, timestamp int64) (Snapshot, error) {
	ring, _ := s.ring.Load(ctx)
	for _, snapshot := range ring {
		if snapshot.Timestamp == timestamp {
			if err := s.restore(ctx, snapshot); err != nil {
				return Snapshot{}, err
			}
			return snapshot, nil
		}
	}
	return Snapshot{}, errors.WithMessage(errors.ErrNotFound, "Backup not found")
}

func (s *BackupService) restore(ctx context.Context, snapshot Snapshot) error {
	if snapshot.Version > backupSchemaVersion {
		return errors.WithMessage(errors.ErrInvalidInput, "Backup was written by a newer version")
	}

	err := s.users.Mutate(ctx, func([]models.Account) ([]models.Account, error) {
		return append([]models.Account(nil), snapshot.Users...), nil
	})
	if err != nil {
		return err
	}
	err = s.requests.Mutate(ctx, func([]models.FriendRequest) ([]models.FriendRequest, error) {
		return append([]models.FriendRequest(nil), snapshot.FriendRequests...), nil
	})
	if err != nil {
		return err
	}

	log.Printf("Restored backup from %s", time.UnixMilli(snapshot.Timestamp).Format(time.RFC3339))
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"meetup-server/models"
	"meetup-server/storage"
)

// Retention windows for the cleanup sweeps.
const (
	rejectedRequestTTL = 7 * 24 * time.Hour
	anyRequestTTL      = 30 * 24 * time.Hour
)

// CleanupService runs the periodic retention sweeps. Each sweep is
// independent; one failing is logged and the rest still run.
type CleanupService struct {
	users   *UserService
	friends *FriendService
	store   storage.Store

	now func() time.Time
}

func NewCleanupService(users *UserService, friends *FriendService, store storage.Store) *CleanupService {
	return &CleanupService{
		users:   users,
		friends: friends,
		store:   store,
		now:     time.Now,
	}
}

// Run executes every sweep once.
func (s *CleanupService) Run(ctx context.Context) {
	s.sweepFriendRequests(ctx)
	s.sweepQRRecords(ctx)
	s.sweepExpiredReferralCodes(ctx)
	s.sweepExpiredPhoneCodes(ctx)
	s.sweepResetRecords(ctx)
	s.sweepScheduledDeletions(ctx)
}

// sweepFriendRequests drops rejected tombstones after a week and any
// non-accepted request after a month. Accepted edges are friendships and
// are never aged out.
func (s *CleanupService) sweepFriendRequests(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	removed := 0
	err := s.friends.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		kept := reqs[:0]
		for _, r := range reqs {
			age := nowMs - r.Timestamp
			stale := (r.Status == models.RequestRejected && age > rejectedRequestTTL.Milliseconds()) ||
				(r.Status != models.RequestAccepted && age > anyRequestTTL.Milliseconds())
			if stale {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return kept, nil
	})
	if err != nil {
		log.Printf("Friend request sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Friend request sweep removed %d stale requests", removed)
	}
}

func (s *CleanupService) sweepQRRecords(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	err := s.friends.qr.Mutate(ctx, func(records *map[string]models.QRRecord) error {
		for key, rec := range *records {
			if nowMs-rec.GeneratedAt > qrCodeTTL.Milliseconds() {
				delete(*records, key)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("QR record sweep failed: %v", err)
	}
}

func (s *CleanupService) sweepExpiredReferralCodes(ctx context.Context) {
	now := s.now()
	for _, u := range s.users.GetUsers(ctx) {
		if u.ReferralCode == "" || !referralExpired(u.ReferralGeneratedAt, now) {
			continue
		}
		empty, zero := "", int64(0)
		_, err := s.users.UpdateUser(ctx, u.ID, AccountPatch{
			ReferralCode:        &empty,
			ReferralGeneratedAt: &zero,
		})
		if err != nil {
			log.Printf("Failed to clear expired referral code for %s: %v", u.ID, err)
		}
	}
}

func (s *CleanupService) sweepExpiredPhoneCodes(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	for _, u := range s.users.GetUsers(ctx) {
		if u.PhoneVerificationCode == "" || nowMs <= u.PhoneVerificationExpires {
			continue
		}
		empty, zero := "", int64(0)
		_, err := s.users.UpdateUser(ctx, u.ID, AccountPatch{
			PhoneVerificationCode:    &empty,
			PhoneVerificationExpires: &zero,
			PhoneVerificationSentAt:  &zero,
		})
		if err != nil {
			log.Printf("Failed to clear expired phone code for %s: %v", u.ID, err)
		}
	}
}

// sweepResetRecords removes expired Telegram password-reset codes by
// scanning the key space for the reset prefix.
func (s *CleanupService) sweepResetRecords(ctx context.Context) {
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		log.Printf("Reset record sweep failed to list keys: %v", err)
		return
	}
	nowMs := s.now().UnixMilli()
	for _, key := range keys {
		if !strings.HasPrefix(key, storage.PrefixTgReset) {
			continue
		}
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var record models.ResetRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil || nowMs > record.ExpiresAt {
			if err := s.store.Remove(ctx, key); err != nil {
				log.Printf("Failed to remove reset record %s: %v", key, err)
			}
		}
	}
}

// sweepScheduledDeletions hard-deletes accounts whose soft-delete deadline
// has passed, with the full cascade.
func (s *CleanupService) sweepScheduledDeletions(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	for _, u := range s.users.GetUsers(ctx) {
		if u.ScheduledForDeletion == 0 || nowMs < u.ScheduledForDeletion {
			continue
		}
		if err := s.users.DeleteUser(ctx, u.ID); err != nil {
			log.Printf("Failed to delete scheduled account %s: %v", u.ID, err)
			continue
		}
		log.Printf("Deleted account %s past its deletion deadline", u.ID)
	}
}

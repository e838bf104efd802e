package services

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// UserService owns the account directory: a single JSON array of accounts
// under one storage key, with uniqueness, credentials, verification and
// session state layered on top. Constructed once at startup and shared by
// handlers and background jobs.
type UserService struct {
	users    *storage.Collection[models.Account]
	requests *storage.Collection[models.FriendRequest]
	store    storage.Store
	digest   Digest
	location LocationProvider
	notifier Notifier

	jwtSecret string
	now       func() time.Time
}

func NewUserService(
	store storage.Store,
	users *storage.Collection[models.Account],
	requests *storage.Collection[models.FriendRequest],
	digest Digest,
	location LocationProvider,
	notifier Notifier,
	jwtSecret string,
) *UserService {
	return &UserService{
		users:     users,
		requests:  requests,
		store:     store,
		digest:    digest,
		location:  location,
		notifier:  notifier,
		jwtSecret: jwtSecret,
		now:       time.Now,
	}
}

// GetUsers returns every account in the directory.
func (s *UserService) GetUsers(ctx context.Context) []models.Account {
	users, _ := s.users.Load(ctx)
	return users
}

// FindUser matches an identifier against email, nickname, id or a
// normalized phone number.
func (s *UserService) FindUser(ctx context.Context, identifier string) (models.Account, bool) {
	term := strings.ToLower(strings.TrimSpace(identifier))
	if term == "" {
		return models.Account{}, false
	}
	termPhone := models.NormalizePhone(term)

	for _, u := range s.GetUsers(ctx) {
		if strings.ToLower(u.Email) == term ||
			strings.ToLower(u.Nickname) == term ||
			strings.ToLower(u.ID) == term {
			return u, true
		}
		if u.PhoneNumber != "" && termPhone != "" &&
			strings.Contains(models.NormalizePhone(u.PhoneNumber), termPhone) {
			return u, true
		}
	}
	return models.Account{}, false
}

// FindUserByEmail is the login-path lookup: email only, case-insensitive.
func (s *UserService) FindUserByEmail(ctx context.Context, email string) (models.Account, bool) {
	term := strings.ToLower(strings.TrimSpace(email))
	if term == "" {
		return models.Account{}, false
	}
	for _, u := range s.GetUsers(ctx) {
		if strings.ToLower(u.Email) == term {
			return u, true
		}
	}
	return models.Account{}, false
}

// FindUserByID looks up one account by its opaque id.
func (s *UserService) FindUserByID(ctx context.Context, id string) (models.Account, bool) {
	for _, u := range s.GetUsers(ctx) {
		if u.ID == id {
			return u, true
		}
	}
	return models.Account{}, false
}

// IsEmailUsed reports whether the email belongs to an account other than
// excludeID.
func (s *UserService) IsEmailUsed(ctx context.Context, email, excludeID string) bool {
	term := strings.ToLower(strings.TrimSpace(email))
	if term == "" {
		return false
	}
	for _, u := range s.GetUsers(ctx) {
		if strings.ToLower(u.Email) == term && u.ID != excludeID {
			return true
		}
	}
	return false
}

// IsNicknameUsed reports whether the nickname belongs to an account other
// than excludeID.
func (s *UserService) IsNicknameUsed(ctx context.Context, nickname, excludeID string) bool {
	term := strings.ToLower(strings.TrimSpace(nickname))
	if term == "" {
		return false
	}
	for _, u := range s.GetUsers(ctx) {
		if strings.ToLower(u.Nickname) == term && u.ID != excludeID {
			return true
		}
	}
	return false
}

// SearchOptions tune SearchUsers.
type SearchOptions struct {
	ExcludeUserID string
	OnlyOnline    bool
	Limit         int
	Offset        int
}

// SearchUsers finds accounts whose nickname contains the query, online
// users first, then alphabetical. Queries shorter than two characters
// return nothing.
func (s *UserService) SearchUsers(ctx context.Context, query string, opts SearchOptions) []models.Account {
	term := strings.ToLower(strings.TrimSpace(query))
	if len(term) < 2 {
		return nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var results []models.Account
	for _, u := range s.GetUsers(ctx) {
		if opts.ExcludeUserID != "" && u.ID == opts.ExcludeUserID {
			continue
		}
		if opts.OnlyOnline && (u.Status != "online" || u.Invisible) {
			continue
		}
		if strings.Contains(strings.ToLower(u.Nickname), term) {
			results = append(results, u)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if (a.Status == "online") != (b.Status == "online") {
			return a.Status == "online"
		}
		return strings.ToLower(a.Nickname) < strings.ToLower(b.Nickname)
	})

	if opts.Offset >= len(results) {
		return nil
	}
	end := opts.Offset + opts.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[opts.Offset:end]
}

// FindUsersByRole returns every account with the given role.
func (s *UserService) FindUsersByRole(ctx context.Context, role string) []models.Account {
	var out []models.Account
	for _, u := range s.GetUsers(ctx) {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out
}

func (s *UserService) GetModerators(ctx context.Context) []models.Account {
	return s.FindUsersByRole(ctx, "moderator")
}

func (s *UserService) IsModerator(ctx context.Context, userID string) bool {
	u, ok := s.FindUserByID(ctx, userID)
	return ok && u.Role == "moderator"
}

// GetNearbyUsers returns visible accounts within radiusKm of position,
// excluding the asking user.
func (s *UserService) GetNearbyUsers(ctx context.Context, askerID string, position []float64, radiusKm float64) ([]models.Account, error) {
	if !models.ValidPosition(position) {
		return nil, errors.ErrInvalidInput
	}
	var nearby []models.Account
	for _, u := range s.GetUsers(ctx) {
		if u.ID == askerID || u.Invisible || !u.Settings.ShowOnMap {
			continue
		}
		if !models.ValidPosition(u.Position) {
			continue
		}
		if Distance(position, u.Position) <= radiusKm {
			nearby = append(nearby, u)
		}
	}
	return nearby, nil
}

// AccountPatch is the explicit allow-list of patchable fields. Anything an
// update should not touch simply has no slot here.
type AccountPatch struct {
	Nickname  *string
	Avatar    *string
	Status    *string
	Invisible *bool
	Position  []float64
	About     *string
	Settings  *models.Settings
	Stats     *models.Stats

	ReferralCode        *string
	ReferralGeneratedAt *int64
	ReferredBy          *string

	Password   *string // already digested
	LastSeen   *string
	LastActive *int64

	Telegram      *models.Telegram
	ClearTelegram bool

	PhoneNumber              *string
	PhoneVerified            *bool
	PhoneVerificationCode    *string
	PhoneVerificationExpires *int64
	PhoneVerificationSentAt  *int64
	PhoneVerifiedAt          *string

	LastPasswordChange *int64

	IsBeta *bool
	Role   *string
}

func applyPatch(a *models.Account, p AccountPatch) {
	if p.Nickname != nil {
		a.Nickname = strings.TrimSpace(*p.Nickname)
	}
	if p.Avatar != nil {
		a.Avatar = *p.Avatar
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Invisible != nil {
		a.Invisible = *p.Invisible
	}
	if p.Position != nil {
		a.Position = append([]float64(nil), p.Position...)
	}
	if p.About != nil {
		a.About = *p.About
	}
	if p.Settings != nil {
		a.Settings = *p.Settings
	}
	if p.Stats != nil {
		a.Stats = *p.Stats
	}
	if p.ReferralCode != nil {
		a.ReferralCode = *p.ReferralCode
	}
	if p.ReferralGeneratedAt != nil {
		a.ReferralGeneratedAt = *p.ReferralGeneratedAt
	}
	if p.ReferredBy != nil {
		a.ReferredBy = *p.ReferredBy
	}
	if p.Password != nil {
		a.Password = *p.Password
	}
	if p.LastSeen != nil {
		a.LastSeen = *p.LastSeen
	}
	if p.LastActive != nil {
		a.LastActive = *p.LastActive
	}
	if p.ClearTelegram {
		a.Telegram = nil
	} else if p.Telegram != nil {
		tg := *p.Telegram
		a.Telegram = &tg
	}
	if p.PhoneNumber != nil {
		a.PhoneNumber = *p.PhoneNumber
	}
	if p.PhoneVerified != nil {
		a.PhoneVerified = *p.PhoneVerified
	}
	if p.PhoneVerificationCode != nil {
		a.PhoneVerificationCode = *p.PhoneVerificationCode
	}
	if p.PhoneVerificationExpires != nil {
		a.PhoneVerificationExpires = *p.PhoneVerificationExpires
	}
	if p.PhoneVerificationSentAt != nil {
		a.PhoneVerificationSentAt = *p.PhoneVerificationSentAt
	}
	if p.PhoneVerifiedAt != nil {
		a.PhoneVerifiedAt = *p.PhoneVerifiedAt
	}
	if p.LastPasswordChange != nil {
		a.LastPasswordChange = *p.LastPasswordChange
	}
	if p.IsBeta != nil {
		a.IsBeta = *p.IsBeta
	}
	if p.Role != nil {
		a.Role = *p.Role
	}
}

// UpdateUser patches one account. A nickname change re-checks uniqueness
// excluding the account itself, metadata.modified strictly increases, and
// the session pointer is refreshed when the patched account is the current
// session.
func (s *UserService) UpdateUser(ctx context.Context, userID string, patch AccountPatch) (models.Account, error) {
	if patch.Position != nil && !models.ValidPosition(patch.Position) {
		return models.Account{}, errors.WithMessage(errors.ErrInvalidInput, "Invalid coordinates")
	}

	var updated models.Account
	err := s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		idx := indexByID(users, userID)
		if idx < 0 {
			return nil, errors.WithMessage(errors.ErrNotFound, "User not found")
		}
		if patch.Nickname != nil {
			// checked under the lock so two concurrent renames cannot
			// both claim the same nickname
			nickname := strings.TrimSpace(*patch.Nickname)
			for _, u := range users {
				if u.ID != userID && strings.EqualFold(u.Nickname, nickname) {
					return nil, errors.WithMessage(errors.ErrDuplicate, "Nickname is already taken")
				}
			}
		}
		account := users[idx]
		applyPatch(&account, patch)
		account.Metadata.Modified = monotonicAfter(account.Metadata.Modified, s.now())
		users[idx] = account
		updated = account
		return users, nil
	})
	if err != nil {
		return models.Account{}, err
	}

	s.refreshSessionIfCurrent(ctx, updated)
	return updated, nil
}

// ScheduleDeletion soft-deletes an account: the cleanup sweep hard-deletes
// it once the deadline has passed.
func (s *UserService) ScheduleDeletion(ctx context.Context, userID string, at time.Time) error {
	return s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		idx := indexByID(users, userID)
		if idx < 0 {
			return nil, errors.WithMessage(errors.ErrNotFound, "User not found")
		}
		users[idx].ScheduledForDeletion = at.UnixMilli()
		users[idx].Metadata.Modified = monotonicAfter(users[idx].Metadata.Modified, s.now())
		return users, nil
	})
}

// DeleteUser removes the account and cascades to friend requests, activity,
// movement history and the session pointer.
func (s *UserService) DeleteUser(ctx context.Context, userID string) error {
	found := false
	err := s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		kept := users[:0]
		for _, u := range users {
			if u.ID == userID {
				found = true
				continue
			}
			kept = append(kept, u)
		}
		if !found {
			return nil, errors.WithMessage(errors.ErrNotFound, "User not found")
		}
		return kept, nil
	})
	if err != nil {
		return err
	}

	s.CleanupUserData(ctx, userID)

	if current, ok := s.CurrentUser(ctx); ok && current.ID == userID {
		if err := s.Logout(ctx); err != nil {
			log.Printf("Failed to clear session for deleted user %s: %v", userID, err)
		}
	}
	return nil
}

// CleanupUserData removes everything hanging off a deleted account.
func (s *UserService) CleanupUserData(ctx context.Context, userID string) {
	err := s.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		kept := reqs[:0]
		for _, r := range reqs {
			if !r.Touches(userID) {
				kept = append(kept, r)
			}
		}
		return kept, nil
	})
	if err != nil {
		log.Printf("Failed to drop friend requests for %s: %v", userID, err)
	}

	for _, key := range []string{storage.ActivityKey(userID), storage.MovementsKey(userID)} {
		if err := s.store.Remove(ctx, key); err != nil {
			log.Printf("Failed to remove %s: %v", key, err)
		}
	}
}

// CurrentUser returns the account recorded as the active session.
func (s *UserService) CurrentUser(ctx context.Context) (models.Account, bool) {
	raw, ok, err := s.store.Get(ctx, storage.KeyCurrentUser)
	if err != nil || !ok {
		return models.Account{}, false
	}
	var account models.Account
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		log.Printf("Corrupt session record, clearing: %v", err)
		if err := s.store.Remove(ctx, storage.KeyCurrentUser); err != nil {
			log.Printf("Failed to clear session record: %v", err)
		}
		return models.Account{}, false
	}
	validated, keep := models.ValidateAccount(account)
	if !keep {
		return models.Account{}, false
	}
	return validated, true
}

// SetCurrentUser records the account as the active session and touches its
// activity profile.
func (s *UserService) SetCurrentUser(ctx context.Context, account models.Account) error {
	validated, keep := models.ValidateAccount(account)
	if !keep {
		return errors.ErrInvalidInput
	}
	raw, err := json.Marshal(validated)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to serialize session", errors.ErrStorage.Status)
	}
	if err := s.store.Set(ctx, storage.KeyCurrentUser, string(raw)); err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to persist session", errors.ErrStorage.Status)
	}
	s.TouchActivity(ctx, validated.ID)
	return nil
}

func (s *UserService) refreshSessionIfCurrent(ctx context.Context, account models.Account) {
	if current, ok := s.CurrentUser(ctx); ok && current.ID == account.ID {
		if err := s.SetCurrentUser(ctx, account); err != nil {
			log.Printf("Failed to refresh session for %s: %v", account.ID, err)
		}
	}
}

// AddToStats applies a mutation to one account's stats counters. Used by
// the friend and referral flows; failures are logged, not surfaced, since
// stats are advisory.
func (s *UserService) AddToStats(ctx context.Context, userID string, apply func(*models.Stats)) {
	err := s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		idx := indexByID(users, userID)
		if idx < 0 {
			return nil, errors.ErrNotFound
		}
		apply(&users[idx].Stats)
		users[idx].Metadata.Modified = monotonicAfter(users[idx].Metadata.Modified, s.now())
		return users, nil
	})
	if err != nil {
		log.Printf("Failed to update stats for %s: %v", userID, err)
	}
}

// SystemStats is the aggregate directory report.
type SystemStats struct {
	TotalUsers            int     `json:"totalUsers"`
	OnlineUsers           int     `json:"onlineUsers"`
	TotalFriendships      int     `json:"totalFriendships"`
	PendingRequests       int     `json:"pendingRequests"`
	AverageFriends        float64 `json:"averageFriends"`
	TotalReferrals        int     `json:"totalReferrals"`
	ActiveReferrers       int     `json:"activeReferrers"`
	QRFriendRequests      int     `json:"qrFriendRequests"`
	QRAcceptedRequests    int     `json:"qrAcceptedRequests"`
	TelegramUsers         int     `json:"telegramUsers"`
	VerifiedTelegramUsers int     `json:"verifiedTelegramUsers"`
	PhoneUsers            int     `json:"phoneUsers"`
	VerifiedPhoneUsers    int     `json:"verifiedPhoneUsers"`
	DualVerifiedUsers     int     `json:"dualVerifiedUsers"`
	TotalBetaUsers        int     `json:"totalBetaUsers"`
	ModeratorUsers        int     `json:"moderatorUsers"`
}

// GetSystemStats aggregates directory-wide counters.
func (s *UserService) GetSystemStats(ctx context.Context) SystemStats {
	users := s.GetUsers(ctx)
	requests, _ := s.requests.Load(ctx)

	stats := SystemStats{TotalUsers: len(users)}
	totalFriends := 0
	for _, u := range users {
		if u.Status == "online" && !u.Invisible {
			stats.OnlineUsers++
		}
		totalFriends += u.Stats.FriendsCount
		if u.ReferredBy != "" {
			stats.TotalReferrals++
		}
		if u.Stats.ReferralsCount > 0 {
			stats.ActiveReferrers++
		}
		if u.Telegram != nil {
			stats.TelegramUsers++
			if u.Telegram.Verified {
				stats.VerifiedTelegramUsers++
			}
		}
		if u.PhoneNumber != "" {
			stats.PhoneUsers++
			if u.PhoneVerified {
				stats.VerifiedPhoneUsers++
			}
		}
		if u.Telegram != nil && u.Telegram.Verified && u.PhoneNumber != "" && u.PhoneVerified {
			stats.DualVerifiedUsers++
		}
		if u.IsBeta {
			stats.TotalBetaUsers++
		}
		if u.Role == "moderator" {
			stats.ModeratorUsers++
		}
	}
	for _, r := range requests {
		switch r.Status {
		case models.RequestAccepted:
			stats.TotalFriendships++
		case models.RequestPending:
			stats.PendingRequests++
		}
		if r.Metadata.ViaQR {
			stats.QRFriendRequests++
			if r.Status == models.RequestAccepted {
				stats.QRAcceptedRequests++
			}
		}
	}
	if len(users) > 0 {
		stats.AverageFriends = float64(totalFriends) / float64(len(users))
	}
	return stats
}

// ClearCaches drops the in-memory collection caches (logout, restore).
func (s *UserService) ClearCaches() {
	s.users.ClearCache()
	s.requests.ClearCache()
}

func indexByID(users []models.Account, id string) int {
	for i, u := range users {
		if u.ID == id {
			return i
		}
	}
	return -1
}

// monotonicAfter keeps metadata.modified strictly increasing even when two
// updates land within the same millisecond.
func monotonicAfter(prev int64, now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= prev {
		return prev + 1
	}
	return ms
}

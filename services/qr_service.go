package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"meetup-server/models"
	"meetup-server/utils/errors"
)

const (
	qrCodeTTL       = 24 * time.Hour
	referralCodeTTL = 30 * 24 * time.Hour
	referralBonus   = 100

	inviteBaseURL = "https://meetup.app/invite"
	deepLinkBase  = "meetup://"
)

// Scan result kinds.
const (
	ScanFriendRequest = "friend_request"
	ScanUserProfile   = "user_profile"
	ScanReferral      = "referral"
)

// ScanResult is what a scanned code resolved to.
type ScanResult struct {
	Kind    string                `json:"kind"`
	User    *models.Account       `json:"user,omitempty"`
	Request *models.FriendRequest `json:"request,omitempty"`
}

// GenerateFriendQR issues a scannable friend-request payload for the user
// and tracks it for the funnel stats. Codes expire after a day.
func (s *FriendService) GenerateFriendQR(ctx context.Context, userID string) (string, error) {
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return "", errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	now := s.now()
	payload := models.QRPayload{
		Type:      "friend_request",
		UserID:    user.ID,
		Nickname:  user.Nickname,
		Avatar:    user.Avatar,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(qrCodeTTL).UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal.Code, "failed to encode QR payload", errors.ErrInternal.Status)
	}

	s.trackQR(ctx, string(data), userID, now)
	return string(data), nil
}

// GenerateProfileQR issues a profile-view payload. Profile codes do not
// expire.
func (s *FriendService) GenerateProfileQR(ctx context.Context, userID string) (string, error) {
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return "", errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	payload := models.QRPayload{
		Type:      "user_profile",
		UserID:    user.ID,
		Nickname:  user.Nickname,
		Avatar:    user.Avatar,
		Timestamp: s.now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal.Code, "failed to encode QR payload", errors.ErrInternal.Status)
	}

	s.trackQR(ctx, string(data), userID, s.now())
	return string(data), nil
}

func (s *FriendService) trackQR(ctx context.Context, data, userID string, now time.Time) {
	err := s.qr.Mutate(ctx, func(records *map[string]models.QRRecord) error {
		if *records == nil {
			*records = map[string]models.QRRecord{}
		}
		(*records)["qr_"+uuid.New().String()] = models.QRRecord{
			Data:        data,
			UserID:      userID,
			GeneratedAt: now.UnixMilli(),
		}
		return nil
	})
	s.logTaskFailure("QR tracking", err)
}

func (s *FriendService) markQRUsed(ctx context.Context, data string) {
	err := s.qr.Mutate(ctx, func(records *map[string]models.QRRecord) error {
		for key, rec := range *records {
			if rec.Data == data && !rec.Used {
				rec.Used = true
				(*records)[key] = rec
				break
			}
		}
		return nil
	})
	s.logTaskFailure("QR mark-used", err)
}

// ProcessScannedCode resolves any of the supported code formats. In order:
// JSON payloads, meetup:// deep links, legacy FRIEND_ tokens, invite URLs
// with a ref parameter, bare referral codes, and finally a plain user
// identifier, which resolves to a profile view. Anything else is rejected
// with UNRECOGNIZED_CODE.
func (s *FriendService) ProcessScannedCode(ctx context.Context, scannerID, data string) (ScanResult, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return ScanResult{}, errors.ErrUnrecognizedCode
	}

	if strings.HasPrefix(data, "{") {
		return s.processJSONPayload(ctx, scannerID, data)
	}
	if strings.HasPrefix(data, deepLinkBase) {
		return s.processDeepLink(ctx, scannerID, data)
	}
	if strings.HasPrefix(data, "FRIEND_") {
		return s.processLegacyToken(ctx, scannerID, data)
	}
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
		if u, err := url.Parse(data); err == nil {
			if ref := u.Query().Get("ref"); ref != "" {
				return s.processReferralScan(ctx, scannerID, ref)
			}
		}
		return ScanResult{}, errors.ErrUnrecognizedCode
	}
	if strings.HasPrefix(data, "REF_") {
		return s.processReferralScan(ctx, scannerID, data)
	}
	if user, ok := s.users.FindUser(ctx, data); ok {
		return ScanResult{Kind: ScanUserProfile, User: &user}, nil
	}
	return ScanResult{}, errors.ErrUnrecognizedCode
}

func (s *FriendService) processJSONPayload(ctx context.Context, scannerID, data string) (ScanResult, error) {
	var payload models.QRPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.UserID == "" {
		return ScanResult{}, errors.ErrUnrecognizedCode
	}

	switch payload.Type {
	case "friend_request":
		if payload.ExpiresAt > 0 && s.now().UnixMilli() > payload.ExpiresAt {
			return ScanResult{}, errors.WithMessage(errors.ErrExpired, "QR code has expired")
		}
		request, err := s.SendRequestViaQR(ctx, scannerID, payload.UserID)
		if err != nil {
			return ScanResult{}, err
		}
		s.markQRUsed(ctx, data)
		return ScanResult{Kind: ScanFriendRequest, Request: &request}, nil

	case "user_profile":
		user, ok := s.users.FindUserByID(ctx, payload.UserID)
		if !ok {
			return ScanResult{}, errors.WithMessage(errors.ErrNotFound, "User not found")
		}
		s.markQRUsed(ctx, data)
		return ScanResult{Kind: ScanUserProfile, User: &user}, nil
	}
	return ScanResult{}, errors.ErrUnrecognizedCode
}

// processDeepLink handles the app's three link shapes:
// add-friend/{id}/{nickname}, referral/{code} and profile/{nickname}.
func (s *FriendService) processDeepLink(ctx context.Context, scannerID, data string) (ScanResult, error) {
	path := strings.TrimPrefix(data, deepLinkBase)
	switch {
	case strings.HasPrefix(path, "add-friend/"):
		rest := strings.TrimPrefix(path, "add-friend/")
		// the nickname segment is display-only
		targetID := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			targetID = rest[:idx]
		}
		if targetID == "" {
			return ScanResult{}, errors.ErrUnrecognizedCode
		}
		request, err := s.SendRequestViaQR(ctx, scannerID, targetID)
		if err != nil {
			return ScanResult{}, err
		}
		return ScanResult{Kind: ScanFriendRequest, Request: &request}, nil

	case strings.HasPrefix(path, "referral/"):
		code := strings.TrimPrefix(path, "referral/")
		if code == "" {
			return ScanResult{}, errors.ErrUnrecognizedCode
		}
		return s.processReferralScan(ctx, scannerID, code)

	case strings.HasPrefix(path, "profile/"):
		nickname, err := url.PathUnescape(strings.TrimPrefix(path, "profile/"))
		if err != nil || nickname == "" {
			return ScanResult{}, errors.ErrUnrecognizedCode
		}
		user, ok := s.users.FindUser(ctx, nickname)
		if !ok {
			return ScanResult{}, errors.WithMessage(errors.ErrNotFound, "User not found")
		}
		return ScanResult{Kind: ScanUserProfile, User: &user}, nil
	}
	return ScanResult{}, errors.ErrUnrecognizedCode
}

// processLegacyToken handles the FRIEND_{userID}_{timestamp} format older
// app builds printed on their QR screens.
func (s *FriendService) processLegacyToken(ctx context.Context, scannerID, data string) (ScanResult, error) {
	rest := strings.TrimPrefix(data, "FRIEND_")
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return ScanResult{}, errors.ErrUnrecognizedCode
	}
	targetID := rest[:idx]
	request, err := s.SendRequestViaQR(ctx, scannerID, targetID)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Kind: ScanFriendRequest, Request: &request}, nil
}

func (s *FriendService) processReferralScan(ctx context.Context, scannerID, code string) (ScanResult, error) {
	owner, err := s.UseReferralCode(ctx, scannerID, code)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Kind: ScanReferral, User: &owner}, nil
}

// ReferralLinks bundles every share surface for one user.
type ReferralLinks struct {
	Code        string `json:"code"`
	WebLink     string `json:"webLink"`
	DeepLink    string `json:"deepLink"`
	FriendLink  string `json:"friendLink"`
	ProfileLink string `json:"profileLink"`
	QRData      string `json:"qrData"`
}

// EnsureReferralCode returns the user's current referral code, minting a
// fresh one when none exists or the old one has expired.
func (s *FriendService) EnsureReferralCode(ctx context.Context, userID string) (string, error) {
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return "", errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	now := s.now()
	if user.ReferralCode != "" && !referralExpired(user.ReferralGeneratedAt, now) {
		return user.ReferralCode, nil
	}

	code := newReferralCode(now)
	generatedAt := now.UnixMilli()
	_, err := s.users.UpdateUser(ctx, userID, AccountPatch{
		ReferralCode:        &code,
		ReferralGeneratedAt: &generatedAt,
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// GetReferralLinks returns all share formats for the user.
func (s *FriendService) GetReferralLinks(ctx context.Context, userID string) (ReferralLinks, error) {
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return ReferralLinks{}, errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	code, err := s.EnsureReferralCode(ctx, userID)
	if err != nil {
		return ReferralLinks{}, err
	}
	return ReferralLinks{
		Code:        code,
		WebLink:     inviteBaseURL + "?ref=" + url.QueryEscape(code),
		DeepLink:    deepLinkBase + "referral/" + code,
		FriendLink:  deepLinkBase + "add-friend/" + user.ID,
		ProfileLink: deepLinkBase + "profile/" + url.PathEscape(user.Nickname),
		QRData:      code,
	}, nil
}

// ValidateReferralCode resolves a code to its owner, rejecting expired or
// unknown codes.
func (s *FriendService) ValidateReferralCode(ctx context.Context, code string) (models.Account, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Account{}, errors.ErrInvalidInput
	}
	for _, u := range s.users.GetUsers(ctx) {
		if u.ReferralCode != code {
			continue
		}
		if referralExpired(u.ReferralGeneratedAt, s.now()) {
			return models.Account{}, errors.WithMessage(errors.ErrExpired, "Referral code has expired")
		}
		return u, nil
	}
	return models.Account{}, errors.WithMessage(errors.ErrNotFound, "Referral code not found")
}

// UseReferralCode binds a new user to the code owner, credits the owner,
// and schedules a friend request from the owner so the pair get connected.
// An account can be referred at most once, and never by itself.
func (s *FriendService) UseReferralCode(ctx context.Context, userID, code string) (models.Account, error) {
	owner, err := s.ValidateReferralCode(ctx, code)
	if err != nil {
		return models.Account{}, err
	}
	if owner.ID == userID {
		return models.Account{}, errors.WithMessage(errors.ErrInvalidInput, "Cannot use your own referral code")
	}
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return models.Account{}, errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if user.ReferredBy != "" {
		return models.Account{}, errors.WithMessage(errors.ErrDuplicate, "Account was already referred")
	}

	referredBy := owner.ID
	if _, err := s.users.UpdateUser(ctx, userID, AccountPatch{ReferredBy: &referredBy}); err != nil {
		return models.Account{}, err
	}
	s.users.AddToStats(ctx, owner.ID, func(st *models.Stats) {
		st.ReferralsCount++
		st.ReferralBonus += referralBonus
	})

	// connect the pair off the request path
	ownerID := owner.ID
	s.tasks.Enqueue(func(taskCtx context.Context) {
		if _, err := s.SendRequest(taskCtx, ownerID, userID); err != nil {
			s.logTaskFailure("referral friend request", err)
		}
	})
	return owner, nil
}

// ReferralStats is the sharing report for one user.
type ReferralStats struct {
	Code           string           `json:"code,omitempty"`
	GeneratedAt    int64            `json:"generatedAt,omitempty"`
	ExpiresAt      int64            `json:"expiresAt,omitempty"`
	Expired        bool             `json:"expired"`
	ReferralsCount int              `json:"referralsCount"`
	ReferralBonus  int              `json:"referralBonus"`
	ReferredUsers  []models.Account `json:"referredUsers,omitempty"`
}

// GetReferralStats reports the user's code state and everyone it brought in.
func (s *FriendService) GetReferralStats(ctx context.Context, userID string) (ReferralStats, error) {
	user, ok := s.users.FindUserByID(ctx, userID)
	if !ok {
		return ReferralStats{}, errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	stats := ReferralStats{
		Code:           user.ReferralCode,
		GeneratedAt:    user.ReferralGeneratedAt,
		ReferralsCount: user.Stats.ReferralsCount,
		ReferralBonus:  user.Stats.ReferralBonus,
	}
	if user.ReferralCode != "" {
		stats.ExpiresAt = user.ReferralGeneratedAt + referralCodeTTL.Milliseconds()
		stats.Expired = referralExpired(user.ReferralGeneratedAt, s.now())
	}
	for _, u := range s.users.GetUsers(ctx) {
		if u.ReferredBy == userID {
			stats.ReferredUsers = append(stats.ReferredUsers, u)
		}
	}
	return stats, nil
}

func referralExpired(generatedAt int64, now time.Time) bool {
	return generatedAt == 0 || now.UnixMilli() > generatedAt+referralCodeTTL.Milliseconds()
}

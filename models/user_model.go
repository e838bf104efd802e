package models

import (
	"strings"
	"time"
)

// SchemaVersion is the current account schema. Records carrying an older
// version are migrated through ValidateAccount; records from a future
// version are skipped on load.
const SchemaVersion = 2

// DefaultPosition is used when geolocation is unavailable (Moscow).
var DefaultPosition = []float64{55.751244, 37.618423}

type Stats struct {
	FriendsCount          int     `json:"friendsCount"`
	TotalDistance         float64 `json:"totalDistance"`
	OnlineHours           float64 `json:"onlineHours"`
	TotalFriends          int     `json:"totalFriends"`
	MeetingCount          int     `json:"meetingCount"`
	ReferralsCount        int     `json:"referralsCount"`
	ReferralBonus         int     `json:"referralBonus"`
	QRInvitations         int     `json:"qrInvitations"`
	QRInvitationsReceived int     `json:"qrInvitationsReceived"`
	SentRequests          int     `json:"sentRequests"`
}

type Settings struct {
	Notifications bool   `json:"notifications"`
	ShowOnMap     bool   `json:"showOnMap"`
	Privacy       string `json:"privacy"` // public | friends | private
	Theme         string `json:"theme"`   // dark | light | auto
}

type Metadata struct {
	Version  int   `json:"version"`
	Created  int64 `json:"created"`
	Modified int64 `json:"modified"`
}

// Telegram holds the optional Telegram binding of an account.
type Telegram struct {
	Username         string `json:"username"`
	Verified         bool   `json:"verified"`
	VerificationCode string `json:"verificationCode,omitempty"`
	CodeExpires      int64  `json:"codeExpires,omitempty"`
	BoundAt          string `json:"boundAt,omitempty"`
}

// Account is one registered user. Email and nickname are unique across the
// directory (case-insensitive); the password field holds a salted digest,
// never plaintext.
type Account struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`

	Avatar    string    `json:"avatar"`
	Status    string    `json:"status"` // online | offline | away
	Invisible bool      `json:"invisible"`
	Position  []float64 `json:"position"` // [lat, lng]
	About     string    `json:"about"`

	RegisteredAt string `json:"registeredAt"`
	LastSeen     string `json:"lastSeen"`
	LastActive   int64  `json:"lastActive"`

	PhoneNumber              string `json:"phoneNumber,omitempty"`
	PhoneVerified            bool   `json:"phoneVerified"`
	PhoneVerificationCode    string `json:"phoneVerificationCode,omitempty"`
	PhoneVerificationExpires int64  `json:"phoneVerificationExpires,omitempty"`
	PhoneVerificationSentAt  int64  `json:"phoneVerificationSentAt,omitempty"`
	PhoneVerifiedAt          string `json:"phoneVerifiedAt,omitempty"`

	Telegram *Telegram `json:"telegram,omitempty"`

	Stats    Stats    `json:"stats"`
	Settings Settings `json:"settings"`
	Metadata Metadata `json:"metadata"`

	ReferralCode        string `json:"referralCode,omitempty"`
	ReferralGeneratedAt int64  `json:"referralGeneratedAt,omitempty"`
	ReferredBy          string `json:"referredBy,omitempty"`

	IsVerified bool   `json:"isVerified"`
	IsActive   bool   `json:"isActive"`
	IsBeta     bool   `json:"isBeta"`
	Role       string `json:"role"` // user | moderator

	ScheduledForDeletion int64 `json:"scheduledForDeletion,omitempty"`
	LastPasswordChange   int64 `json:"lastPasswordChange,omitempty"`
}

// ActivityProfile is the per-user activity record kept under its own key.
type ActivityProfile struct {
	UserID          string  `json:"userId"`
	Created         int64   `json:"created"`
	LastActive      int64   `json:"lastActive,omitempty"`
	LastLogin       int64   `json:"lastLogin"`
	TotalOnlineTime float64 `json:"totalOnlineTime"`
}

// MovementPoint is one entry of a user's movement history.
type MovementPoint struct {
	Position  []float64 `json:"position"`
	Timestamp int64     `json:"timestamp"`
}

// ResetRecord is a Telegram password-reset code stored under tg_reset_{username}.
type ResetRecord struct {
	Code             string `json:"code"`
	UserID           string `json:"userId"`
	TelegramUsername string `json:"telegramUsername"`
	ExpiresAt        int64  `json:"expiresAt"`
	CreatedAt        int64  `json:"createdAt"`
	Attempts         int    `json:"attempts"`
	Verified         bool   `json:"verified,omitempty"`
	VerifiedAt       int64  `json:"verifiedAt,omitempty"`
}

func validStatus(s string) bool {
	return s == "online" || s == "offline" || s == "away"
}

func validPrivacy(s string) bool {
	return s == "public" || s == "friends" || s == "private"
}

func validTheme(s string) bool {
	return s == "dark" || s == "light" || s == "auto"
}

// ValidPosition reports whether pos is a [lat, lng] pair in range.
func ValidPosition(pos []float64) bool {
	if len(pos) != 2 {
		return false
	}
	lat, lng := pos[0], pos[1]
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ValidateAccount fills defaults for missing fields so records written by an
// older app version still load. Records tagged with a schema version newer
// than SchemaVersion are rejected (ok == false) rather than guessed at.
func ValidateAccount(a Account) (Account, bool) {
	if a.Metadata.Version > SchemaVersion {
		return a, false
	}

	now := time.Now()
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.Nickname = strings.TrimSpace(a.Nickname)
	if !validStatus(a.Status) {
		a.Status = "offline"
	}
	if !ValidPosition(a.Position) {
		a.Position = append([]float64(nil), DefaultPosition...)
	}
	if a.RegisteredAt == "" {
		a.RegisteredAt = now.UTC().Format(time.RFC3339)
	}
	if a.LastSeen == "" {
		a.LastSeen = now.UTC().Format(time.RFC3339)
	}
	if a.LastActive == 0 {
		a.LastActive = now.UnixMilli()
	}
	if !validPrivacy(a.Settings.Privacy) {
		a.Settings.Privacy = "public"
	}
	if !validTheme(a.Settings.Theme) {
		a.Settings.Theme = "dark"
	}
	if a.Metadata.Created == 0 {
		a.Metadata.Created = now.UnixMilli()
	}
	if a.Metadata.Modified == 0 {
		a.Metadata.Modified = a.Metadata.Created
	}
	a.Metadata.Version = SchemaVersion
	if a.Role != "moderator" {
		a.Role = "user"
	}
	// A code must never outlive its expiry, and vice versa.
	if a.PhoneVerificationCode == "" || a.PhoneVerificationExpires == 0 {
		a.PhoneVerificationCode = ""
		a.PhoneVerificationExpires = 0
		a.PhoneVerificationSentAt = 0
	}
	if a.Telegram != nil && a.Telegram.Username == "" {
		a.Telegram = nil
	}
	return a, true
}

// DefaultSettings returns the settings a fresh account starts with.
func DefaultSettings() Settings {
	return Settings{
		Notifications: true,
		ShowOnMap:     true,
		Privacy:       "public",
		Theme:         "dark",
	}
}

// NormalizePhone strips everything but digits and a leading plus.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package services

import (
	"context"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RegisterInput carries everything Register accepts from the outside.
type RegisterInput struct {
	Email        string
	Nickname     string
	Password     string
	Avatar       string
	PhoneNumber  string
	ReferralCode string
	Position     []float64
}

// Register creates a new account after input validation and uniqueness
// checks, then records it as the active session.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (models.Account, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	nickname := strings.TrimSpace(in.Nickname)

	if !emailPattern.MatchString(email) {
		return models.Account{}, "", errors.WithMessage(errors.ErrInvalidInput, "Invalid email address")
	}
	if len(nickname) < 2 || len(nickname) > 30 {
		return models.Account{}, "", errors.WithMessage(errors.ErrInvalidInput, "Nickname must be 2-30 characters")
	}
	if err := validatePasswordStrength(in.Password); err != nil {
		return models.Account{}, "", err
	}
	if s.IsEmailUsed(ctx, email, "") {
		return models.Account{}, "", errors.WithMessage(errors.ErrDuplicate, "Email is already registered")
	}
	if s.IsNicknameUsed(ctx, nickname, "") {
		return models.Account{}, "", errors.WithMessage(errors.ErrDuplicate, "Nickname is already taken")
	}

	position := in.Position
	if !models.ValidPosition(position) {
		if s.location != nil {
			if p, err := s.location.CurrentPosition(ctx); err == nil && models.ValidPosition(p) {
				position = p
			}
		}
		if !models.ValidPosition(position) {
			position = append([]float64(nil), models.DefaultPosition...)
		}
	}

	now := s.now()
	account := models.Account{
		ID:                  newUserID(),
		Email:               email,
		Nickname:            nickname,
		Password:            HashPassword(s.digest, in.Password),
		Avatar:              in.Avatar,
		PhoneNumber:         strings.TrimSpace(in.PhoneNumber),
		Status:              "online",
		Position:            position,
		RegisteredAt:        now.UTC().Format(time.RFC3339),
		ReferralCode:        newReferralCode(now),
		ReferralGeneratedAt: now.UnixMilli(),
		Settings:            models.DefaultSettings(),
		Metadata: models.Metadata{
			Created:  now.UnixMilli(),
			Modified: now.UnixMilli(),
			Version:  models.SchemaVersion,
		},
		LastActive: now.UnixMilli(),
		IsActive:   true,
		Role:       "user",
	}

	err := s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		// re-check under the lock so two concurrent registrations
		// cannot both pass the guard above
		for _, u := range users {
			if strings.EqualFold(u.Email, email) {
				return nil, errors.WithMessage(errors.ErrDuplicate, "Email is already registered")
			}
			if strings.EqualFold(u.Nickname, nickname) {
				return nil, errors.WithMessage(errors.ErrDuplicate, "Nickname is already taken")
			}
		}
		return append(users, account), nil
	})
	if err != nil {
		return models.Account{}, "", err
	}

	if err := s.SetCurrentUser(ctx, account); err != nil {
		log.Printf("Failed to record session for new user %s: %v", account.ID, err)
	}

	token, err := s.issueToken(account)
	if err != nil {
		return account, "", err
	}
	return account, token, nil
}

// BetaUserInput describes a pre-provisioned account.
type BetaUserInput struct {
	Email    string
	Nickname string
	Password string
	Avatar   string
	About    string
	Role     string
	Position []float64
}

// AddBetaUser provisions a verified beta account without touching the
// session. Seeding an email that already exists is a no-op.
func (s *UserService) AddBetaUser(ctx context.Context, in BetaUserInput) (models.Account, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if !emailPattern.MatchString(email) {
		return models.Account{}, errors.WithMessage(errors.ErrInvalidInput, "Invalid email address")
	}
	if existing, ok := s.FindUserByEmail(ctx, email); ok {
		return existing, nil
	}

	role := in.Role
	if role == "" {
		role = "user"
	}
	position := in.Position
	if !models.ValidPosition(position) {
		position = append([]float64(nil), models.DefaultPosition...)
	}

	now := s.now()
	account := models.Account{
		ID:       newUserID(),
		Email:    email,
		Nickname: strings.TrimSpace(in.Nickname),
		Password: HashPassword(s.digest, in.Password),
		Avatar:   in.Avatar,
		About:    in.About,
		Status:       "offline",
		Position:     position,
		RegisteredAt: now.UTC().Format(time.RFC3339),
		Settings:     models.DefaultSettings(),
		Metadata: models.Metadata{
			Created:  now.UnixMilli(),
			Modified: now.UnixMilli(),
			Version:  models.SchemaVersion,
		},
		IsVerified: true,
		IsActive:   true,
		IsBeta:     true,
		Role:       role,
	}

	err := s.users.Mutate(ctx, func(users []models.Account) ([]models.Account, error) {
		for _, u := range users {
			if strings.EqualFold(u.Email, email) {
				account = u
				return users, nil
			}
		}
		return append(users, account), nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return account, nil
}

// Login authenticates by email, nickname, id or phone number and returns
// the account, a signed JWT and the refreshed session.
func (s *UserService) Login(ctx context.Context, identifier, password string) (models.Account, string, error) {
	user, ok := s.FindUser(ctx, identifier)
	if !ok {
		return models.Account{}, "", errors.NewAPIError("INVALID_CREDENTIALS", "Invalid credentials", http.StatusUnauthorized)
	}
	if !PasswordMatches(s.digest, user.Password, password) {
		return models.Account{}, "", errors.NewAPIError("INVALID_CREDENTIALS", "Invalid credentials", http.StatusUnauthorized)
	}
	if !user.IsActive {
		return models.Account{}, "", errors.WithMessage(errors.ErrUnauthorized, "Account is deactivated")
	}

	now := s.now()
	online := "online"
	lastActive := now.UnixMilli()
	updated, err := s.UpdateUser(ctx, user.ID, AccountPatch{
		Status:     &online,
		LastActive: &lastActive,
	})
	if err != nil {
		return models.Account{}, "", err
	}

	if err := s.SetCurrentUser(ctx, updated); err != nil {
		log.Printf("Failed to record session for %s: %v", updated.ID, err)
	}

	token, err := s.issueToken(updated)
	if err != nil {
		return updated, "", err
	}
	return updated, token, nil
}

// Logout clears the session pointer and marks the account offline. The
// directory itself is untouched beyond the status flip.
func (s *UserService) Logout(ctx context.Context) error {
	if current, ok := s.CurrentUser(ctx); ok {
		offline := "offline"
		lastSeen := s.now().Format(time.RFC3339)
		if _, err := s.UpdateUser(ctx, current.ID, AccountPatch{Status: &offline, LastSeen: &lastSeen}); err != nil {
			log.Printf("Failed to mark %s offline: %v", current.ID, err)
		}
	}
	if err := s.store.Remove(ctx, storage.KeyCurrentUser); err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to clear session", errors.ErrStorage.Status)
	}
	return nil
}

// ChangePassword verifies the current password before digesting the new one.
func (s *UserService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if !PasswordMatches(s.digest, user.Password, currentPassword) {
		return errors.NewAPIError("INVALID_CREDENTIALS", "Current password is incorrect", http.StatusUnauthorized)
	}
	if err := validatePasswordStrength(newPassword); err != nil {
		return err
	}
	digested := HashPassword(s.digest, newPassword)
	changedAt := s.now().UnixMilli()
	_, err := s.UpdateUser(ctx, userID, AccountPatch{
		Password:           &digested,
		LastPasswordChange: &changedAt,
	})
	return err
}

func (s *UserService) issueToken(account models.Account) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userID":   account.ID,
		"nickname": account.Nickname,
		"exp":      s.now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", errors.Wrap(err, "JWT_ERROR", "Failed to generate token", http.StatusInternalServerError)
	}
	return signed, nil
}

func validatePasswordStrength(password string) error {
	if len(password) < 8 {
		return errors.WithMessage(errors.ErrInvalidInput, "Password must be at least 8 characters")
	}
	hasLetter, hasDigit := false, false
	for _, r := range password {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return errors.WithMessage(errors.ErrInvalidInput, "Password must contain letters and digits")
	}
	return nil
}

func newUserID() string {
	return "user_" + uuid.New().String()
}

// newReferralCode builds a short shareable code. The timestamp suffix keeps
// regenerated codes distinct for the same account.
func newReferralCode(now time.Time) string {
	chunk := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return "REF_" + chunk + "_" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
}

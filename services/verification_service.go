package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

const (
	verificationCodeTTL  = 10 * time.Minute
	phoneCodeLength      = 4
	telegramCodeLength   = 6
	maxResetCodeAttempts = 5
)

// SendPhoneVerificationCode attaches a fresh 4-digit code to the account
// and hands it to the notifier. The previous code, if any, is overwritten.
func (s *UserService) SendPhoneVerificationCode(ctx context.Context, userID, phoneNumber string) error {
	normalized := models.NormalizePhone(strings.TrimSpace(phoneNumber))
	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) < 10 {
		return errors.WithMessage(errors.ErrInvalidInput, "Invalid phone number")
	}

	for _, u := range s.GetUsers(ctx) {
		if u.ID != userID && u.PhoneVerified && models.NormalizePhone(u.PhoneNumber) == normalized {
			return errors.WithMessage(errors.ErrDuplicate, "Phone number is already verified by another account")
		}
	}

	code := randomDigits(phoneCodeLength)
	now := s.now()
	expires := now.Add(verificationCodeTTL).UnixMilli()
	sentAt := now.UnixMilli()

	_, err := s.UpdateUser(ctx, userID, AccountPatch{
		PhoneNumber:              &normalized,
		PhoneVerificationCode:    &code,
		PhoneVerificationExpires: &expires,
		PhoneVerificationSentAt:  &sentAt,
	})
	if err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.Notify("Verification code", "Your MeetUP code: "+code, "sms")
	}
	return nil
}

// VerifyPhoneCode checks the pending code. Expired codes are cleared before
// the error is returned, so a stale code can never be retried into success.
func (s *UserService) VerifyPhoneCode(ctx context.Context, userID, code string) error {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if user.PhoneVerificationCode == "" {
		return errors.WithMessage(errors.ErrInvalidInput, "No verification in progress")
	}

	empty, zero := "", int64(0)
	if s.now().UnixMilli() > user.PhoneVerificationExpires {
		if _, err := s.UpdateUser(ctx, userID, AccountPatch{
			PhoneVerificationCode:    &empty,
			PhoneVerificationExpires: &zero,
			PhoneVerificationSentAt:  &zero,
		}); err != nil {
			log.Printf("Failed to clear expired phone code for %s: %v", userID, err)
		}
		return errors.WithMessage(errors.ErrExpired, "Verification code has expired")
	}
	if strings.TrimSpace(code) != user.PhoneVerificationCode {
		return errors.WithMessage(errors.ErrInvalidInput, "Incorrect verification code")
	}

	verified := true
	verifiedAt := s.now().UTC().Format(time.RFC3339)
	_, err := s.UpdateUser(ctx, userID, AccountPatch{
		PhoneVerified:            &verified,
		PhoneVerifiedAt:          &verifiedAt,
		PhoneVerificationCode:    &empty,
		PhoneVerificationExpires: &zero,
		PhoneVerificationSentAt:  &zero,
	})
	return err
}

// BindTelegram links a Telegram username to the account, unverified until
// a code round-trip completes.
func (s *UserService) BindTelegram(ctx context.Context, userID, telegramUsername string) error {
	username := strings.TrimPrefix(strings.TrimSpace(telegramUsername), "@")
	if len(username) < 5 {
		return errors.WithMessage(errors.ErrInvalidInput, "Invalid Telegram username")
	}
	for _, u := range s.GetUsers(ctx) {
		if u.ID != userID && u.Telegram != nil && u.Telegram.Verified &&
			strings.EqualFold(u.Telegram.Username, username) {
			return errors.WithMessage(errors.ErrDuplicate, "Telegram account is already linked elsewhere")
		}
	}
	_, err := s.UpdateUser(ctx, userID, AccountPatch{
		Telegram: &models.Telegram{
			Username: username,
			BoundAt:  s.now().UTC().Format(time.RFC3339),
		},
	})
	return err
}

// SendTelegramVerificationCode issues a 6-digit code for the bound username.
func (s *UserService) SendTelegramVerificationCode(ctx context.Context, userID string) error {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if user.Telegram == nil {
		return errors.WithMessage(errors.ErrInvalidInput, "No Telegram account bound")
	}

	tg := *user.Telegram
	tg.VerificationCode = randomDigits(telegramCodeLength)
	tg.CodeExpires = s.now().Add(verificationCodeTTL).UnixMilli()

	if _, err := s.UpdateUser(ctx, userID, AccountPatch{Telegram: &tg}); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify("Telegram verification", "Your MeetUP code: "+tg.VerificationCode, "telegram")
	}
	return nil
}

// VerifyTelegramCode completes the Telegram binding.
func (s *UserService) VerifyTelegramCode(ctx context.Context, userID, code string) error {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if user.Telegram == nil || user.Telegram.VerificationCode == "" {
		return errors.WithMessage(errors.ErrInvalidInput, "No verification in progress")
	}

	tg := *user.Telegram
	if s.now().UnixMilli() > tg.CodeExpires {
		tg.VerificationCode = ""
		tg.CodeExpires = 0
		if _, err := s.UpdateUser(ctx, userID, AccountPatch{Telegram: &tg}); err != nil {
			log.Printf("Failed to clear expired Telegram code for %s: %v", userID, err)
		}
		return errors.WithMessage(errors.ErrExpired, "Verification code has expired")
	}
	if strings.TrimSpace(code) != tg.VerificationCode {
		return errors.WithMessage(errors.ErrInvalidInput, "Incorrect verification code")
	}

	tg.Verified = true
	tg.VerificationCode = ""
	tg.CodeExpires = 0
	_, err := s.UpdateUser(ctx, userID, AccountPatch{Telegram: &tg})
	return err
}

// RemovePhoneNumber detaches the phone number along with its verified
// state and any pending code.
func (s *UserService) RemovePhoneNumber(ctx context.Context, userID string) error {
	if _, ok := s.FindUserByID(ctx, userID); !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	empty, no, zero := "", false, int64(0)
	_, err := s.UpdateUser(ctx, userID, AccountPatch{
		PhoneNumber:              &empty,
		PhoneVerified:            &no,
		PhoneVerifiedAt:          &empty,
		PhoneVerificationCode:    &empty,
		PhoneVerificationExpires: &zero,
		PhoneVerificationSentAt:  &zero,
	})
	return err
}

// UnbindTelegramAccount drops the Telegram binding. Unbinding when nothing
// is bound is a no-op. Any reset record tied to the old username is burned
// so it cannot be redeemed after the unbind.
func (s *UserService) UnbindTelegramAccount(ctx context.Context, userID string) error {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	if user.Telegram == nil {
		return nil
	}
	if err := s.store.Remove(ctx, storage.TgResetKey(user.Telegram.Username)); err != nil {
		log.Printf("Failed to remove reset record for %s: %v", user.Telegram.Username, err)
	}
	_, err := s.UpdateUser(ctx, userID, AccountPatch{ClearTelegram: true})
	return err
}

// FindUserByTelegramUsername resolves a verified Telegram binding to its
// account. Unverified bindings never match.
func (s *UserService) FindUserByTelegramUsername(ctx context.Context, telegramUsername string) (models.Account, bool) {
	username := strings.TrimPrefix(strings.TrimSpace(telegramUsername), "@")
	if username == "" {
		return models.Account{}, false
	}
	for _, u := range s.GetUsers(ctx) {
		if u.Telegram != nil && u.Telegram.Verified && strings.EqualFold(u.Telegram.Username, username) {
			return u, true
		}
	}
	return models.Account{}, false
}

// RequestPasswordResetViaTelegram issues a reset code for an account with a
// verified Telegram binding. The code lives under its own storage key so a
// half-finished reset never dirties the account record.
func (s *UserService) RequestPasswordResetViaTelegram(ctx context.Context, identifier string) error {
	user, ok := s.FindUser(ctx, identifier)
	if !ok || user.Telegram == nil || !user.Telegram.Verified {
		return errors.WithMessage(errors.ErrNotFound, "No account with a verified Telegram binding")
	}

	now := s.now()
	record := models.ResetRecord{
		Code:             randomDigits(telegramCodeLength),
		UserID:           user.ID,
		TelegramUsername: user.Telegram.Username,
		ExpiresAt:        now.Add(verificationCodeTTL).UnixMilli(),
		CreatedAt:        now.UnixMilli(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to serialize reset record", errors.ErrStorage.Status)
	}
	key := storage.TgResetKey(user.Telegram.Username)
	if err := s.store.Set(ctx, key, string(raw)); err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to persist reset record", errors.ErrStorage.Status)
	}

	if s.notifier != nil {
		s.notifier.Notify("Password reset", "Your MeetUP reset code: "+record.Code, "telegram")
	}
	return nil
}

// ConfirmPasswordResetViaTelegram validates the reset code and installs the
// new password. Five wrong codes burn the record.
func (s *UserService) ConfirmPasswordResetViaTelegram(ctx context.Context, telegramUsername, code, newPassword string) error {
	username := strings.TrimPrefix(strings.TrimSpace(telegramUsername), "@")
	key := storage.TgResetKey(username)

	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to read reset record", errors.ErrStorage.Status)
	}
	if !ok {
		return errors.WithMessage(errors.ErrNotFound, "No password reset in progress")
	}
	var record models.ResetRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		_ = s.store.Remove(ctx, key)
		return errors.WithMessage(errors.ErrNotFound, "No password reset in progress")
	}

	if s.now().UnixMilli() > record.ExpiresAt {
		_ = s.store.Remove(ctx, key)
		return errors.WithMessage(errors.ErrExpired, "Reset code has expired")
	}
	if record.Attempts >= maxResetCodeAttempts {
		_ = s.store.Remove(ctx, key)
		return errors.WithMessage(errors.ErrRateExceeded, "Too many incorrect attempts")
	}
	if strings.TrimSpace(code) != record.Code {
		record.Attempts++
		if updated, err := json.Marshal(record); err == nil {
			if err := s.store.Set(ctx, key, string(updated)); err != nil {
				log.Printf("Failed to record reset attempt for %s: %v", username, err)
			}
		}
		if record.Attempts >= maxResetCodeAttempts {
			return errors.WithMessage(errors.ErrRateExceeded, "Too many incorrect attempts")
		}
		return errors.WithMessage(errors.ErrInvalidInput, "Incorrect reset code")
	}

	if err := validatePasswordStrength(newPassword); err != nil {
		return err
	}
	digested := HashPassword(s.digest, newPassword)
	changedAt := s.now().UnixMilli()
	if _, err := s.UpdateUser(ctx, record.UserID, AccountPatch{
		Password:           &digested,
		LastPasswordChange: &changedAt,
	}); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, key); err != nil {
		log.Printf("Failed to remove reset record for %s: %v", username, err)
	}
	return nil
}

// GetVerificationStatus summarizes both channels for one account.
func (s *UserService) GetVerificationStatus(ctx context.Context, userID string) (map[string]any, error) {
	user, ok := s.FindUserByID(ctx, userID)
	if !ok {
		return nil, errors.NewAPIError(errors.ErrNotFound.Code, "User not found", http.StatusNotFound)
	}
	status := map[string]any{
		"phoneVerified":    user.PhoneVerified,
		"phoneNumber":      user.PhoneNumber,
		"telegramLinked":   user.Telegram != nil,
		"telegramVerified": user.Telegram != nil && user.Telegram.Verified,
	}
	if user.Telegram != nil {
		status["telegramUsername"] = user.Telegram.Username
	}
	return status, nil
}

// randomDigits draws n decimal digits from crypto/rand. Codes are short
// lived so a leading zero is fine.
func randomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// rand.Reader failing means the platform RNG is broken;
			// fall back to a fixed digit rather than panic
			digits[i] = '0'
			continue
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}

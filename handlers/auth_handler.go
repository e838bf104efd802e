package handlers

import (
	"encoding/json"
	"net/http"

	"meetup-server/middleware"
	"meetup-server/models"
	"meetup-server/services"
	"meetup-server/utils/errors"
)

type AuthHandler struct {
	userService   *services.UserService
	friendService *services.FriendService
}

func NewAuthHandler(userService *services.UserService, friendService *services.FriendService) *AuthHandler {
	return &AuthHandler{
		userService:   userService,
		friendService: friendService,
	}
}

type authResponse struct {
	User  models.Account `json:"user"`
	Token string         `json:"token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email        string    `json:"email"`
		Nickname     string    `json:"nickname"`
		Password     string    `json:"password"`
		Avatar       string    `json:"avatar"`
		PhoneNumber  string    `json:"phoneNumber"`
		ReferralCode string    `json:"referralCode"`
		Position     []float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	user, token, err := h.userService.Register(r.Context(), services.RegisterInput{
		Email:       input.Email,
		Nickname:    input.Nickname,
		Password:    input.Password,
		Avatar:      input.Avatar,
		PhoneNumber: input.PhoneNumber,
		Position:    input.Position,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	if input.ReferralCode != "" {
		if _, err := h.friendService.UseReferralCode(r.Context(), user.ID, input.ReferralCode); err != nil {
			// registration already succeeded; a bad code is not fatal
			middleware.WriteError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(authResponse{User: sanitizeAccount(user), Token: token})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	user, token, err := h.userService.Login(r.Context(), input.Identifier, input.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authResponse{User: sanitizeAccount(user), Token: token})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.userService.Logout(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logged out"})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, errors.ErrUnauthorized)
		return
	}
	var input struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	if err := h.userService.ChangePassword(r.Context(), userID, input.CurrentPassword, input.NewPassword); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Password changed"})
}

func (h *AuthHandler) RequestTelegramReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	if err := h.userService.RequestPasswordResetViaTelegram(r.Context(), input.Identifier); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Reset code sent via Telegram"})
}

func (h *AuthHandler) ConfirmTelegramReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		TelegramUsername string `json:"telegramUsername"`
		Code             string `json:"code"`
		NewPassword      string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	err := h.userService.ConfirmPasswordResetViaTelegram(r.Context(), input.TelegramUsername, input.Code, input.NewPassword)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Password reset"})
}

// sanitizeAccount strips fields that must never leave the server.
func sanitizeAccount(a models.Account) models.Account {
	a.Password = ""
	a.PhoneVerificationCode = ""
	if a.Telegram != nil {
		tg := *a.Telegram
		tg.VerificationCode = ""
		a.Telegram = &tg
	}
	return a
}

func sanitizeAccounts(accounts []models.Account) []models.Account {
	out := make([]models.Account, len(accounts))
	for i, a := range accounts {
		out[i] = sanitizeAccount(a)
	}
	return out
}

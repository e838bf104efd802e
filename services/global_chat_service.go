package services

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"meetup-server/models"
	"meetup-server/utils/errors"
)

// InitGlobalChat seeds the singleton broadcast chat. Calling it on an
// already-initialized chat is a no-op, so it is safe to run at every start.
func (s *ChatService) InitGlobalChat(ctx context.Context) error {
	return s.global.Mutate(ctx, func(g *models.GlobalChat) error {
		if g.ID == models.GlobalChatID {
			return nil
		}
		now := s.now().UnixMilli()
		*g = models.GlobalChat{
			ID:              models.GlobalChatID,
			Name:            "MeetUP Global",
			Description:     "The common room for everyone on MeetUP",
			Participants:    []string{},
			CreatedAt:       now,
			LastMessageAt:   now,
			IsGlobal:        true,
			CannotBeDeleted: true,
			Settings: models.GlobalChatSettings{
				AllowImages:      true,
				MaxMessageLength: 500,
				RateLimit:        1,
			},
			Messages: []models.Message{
				{
					ID:        "msg_" + uuid.New().String(),
					SenderID:  "system",
					Text:      "Welcome to the MeetUP global chat!",
					Timestamp: now,
					Type:      "system",
				},
				{
					ID:        "msg_" + uuid.New().String(),
					SenderID:  "system",
					Text:      "Be kind. Messages older than the last 1000 are dropped.",
					Timestamp: now,
					Type:      "system",
				},
			},
			TotalMessages: 2,
		}
		return nil
	})
}

// JoinGlobalChat registers the user as a broadcast participant.
func (s *ChatService) JoinGlobalChat(ctx context.Context, userID string) error {
	if _, ok := s.users.FindUserByID(ctx, userID); !ok {
		return errors.WithMessage(errors.ErrNotFound, "User not found")
	}
	return s.global.Mutate(ctx, func(g *models.GlobalChat) error {
		for _, p := range g.Participants {
			if p == userID {
				return nil
			}
		}
		g.Participants = append(g.Participants, userID)
		return nil
	})
}

// SendGlobalMessage appends to the broadcast buffer, evicting the oldest
// messages beyond the retention limit. TotalMessages keeps counting past
// the eviction horizon.
func (s *ChatService) SendGlobalMessage(ctx context.Context, senderID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, errors.WithMessage(errors.ErrInvalidInput, "Message is empty")
	}

	sender, ok := s.users.FindUserByID(ctx, senderID)
	if !ok {
		return models.Message{}, errors.WithMessage(errors.ErrNotFound, "Sender not found")
	}

	message := models.Message{
		ID:         "msg_" + uuid.New().String(),
		SenderID:   senderID,
		SenderName: sender.Nickname,
		Text:       text,
		Timestamp:  s.now().UnixMilli(),
		Type:       "user",
	}

	err := s.global.Mutate(ctx, func(g *models.GlobalChat) error {
		if g.ID != models.GlobalChatID {
			return errors.WithMessage(errors.ErrNotFound, "Global chat is not initialized")
		}
		if max := g.Settings.MaxMessageLength; max > 0 && len(text) > max {
			return errors.WithMessage(errors.ErrInvalidInput, "Message is too long")
		}
		g.Messages = append(g.Messages, message)
		if len(g.Messages) > models.GlobalChatLimit {
			g.Messages = append([]models.Message(nil), g.Messages[len(g.Messages)-models.GlobalChatLimit:]...)
		}
		g.LastMessageAt = message.Timestamp
		g.TotalMessages++
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// GetGlobalMessages pages the broadcast buffer backwards from the newest
// message, same convention as GetMessages.
func (s *ChatService) GetGlobalMessages(ctx context.Context, limit, offset int) []models.Message {
	g, _ := s.global.Load(ctx)
	if limit <= 0 {
		limit = 50
	}
	return pageFromEnd(g.Messages, limit, offset)
}

// GetGlobalChat returns the broadcast chat state.
func (s *ChatService) GetGlobalChat(ctx context.Context) models.GlobalChat {
	g, _ := s.global.Load(ctx)
	out := g
	out.Participants = append([]string(nil), g.Participants...)
	out.Messages = append([]models.Message(nil), g.Messages...)
	return out
}

// SendMessageToChat routes a send to the broadcast chat or a private chat
// based on the id.
func (s *ChatService) SendMessageToChat(ctx context.Context, chatID, senderID, text string, attachments []string) (models.Message, error) {
	if chatID == models.GlobalChatID {
		return s.SendGlobalMessage(ctx, senderID, text)
	}
	return s.SendMessage(ctx, chatID, senderID, text, attachments)
}

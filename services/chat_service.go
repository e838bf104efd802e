package services

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// maxMessageLength bounds a single private message.
const maxMessageLength = 2000

// ChatService keeps private conversations denormalized: the chat map holds
// one list of chats per user id, and every participant's list carries its
// own copy of the shared chat. A send updates every copy inside a single
// document rewrite, so all copies stay identical.
type ChatService struct {
	chats  *storage.Document[map[string][]models.Chat]
	global *storage.Document[models.GlobalChat]
	index  *storage.Document[map[string]models.ChatIndexEntry]
	users  *UserService

	notifier Notifier
	now      func() time.Time
}

func NewChatService(
	chats *storage.Document[map[string][]models.Chat],
	global *storage.Document[models.GlobalChat],
	index *storage.Document[map[string]models.ChatIndexEntry],
	users *UserService,
	notifier Notifier,
) *ChatService {
	return &ChatService{
		chats:    chats,
		global:   global,
		index:    index,
		users:    users,
		notifier: notifier,
		now:      time.Now,
	}
}

// CreateChat opens a private chat between two users, or returns the one
// that already connects them.
func (s *ChatService) CreateChat(ctx context.Context, userID, friendID, name string) (models.Chat, error) {
	if userID == friendID {
		return models.Chat{}, errors.WithMessage(errors.ErrInvalidInput, "Cannot open a chat with yourself")
	}
	if _, ok := s.users.FindUserByID(ctx, friendID); !ok {
		return models.Chat{}, errors.WithMessage(errors.ErrNotFound, "User not found")
	}

	if existing, ok := s.FindChat(ctx, userID, friendID); ok {
		return existing, nil
	}

	now := s.now().UnixMilli()
	chat := models.Chat{
		ID:           "chat_" + uuid.New().String(),
		Name:         strings.TrimSpace(name),
		Participants: []string{userID, friendID},
		Messages:     []models.Message{},
		CreatedAt:    now,
		Unread:       map[string]int{userID: 0, friendID: 0},
	}

	err := s.chats.Mutate(ctx, func(all *map[string][]models.Chat) error {
		if *all == nil {
			*all = map[string][]models.Chat{}
		}
		// someone may have created it between our lookup and this write
		for _, c := range (*all)[userID] {
			if !c.IsGroup && c.HasParticipant(friendID) {
				chat = cloneChat(c)
				return nil
			}
		}
		for _, id := range chat.Participants {
			(*all)[id] = append((*all)[id], cloneChat(chat))
		}
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}

	s.updateIndex(ctx, chat)
	return chat, nil
}

// FindChat returns the private chat connecting the pair, if any.
func (s *ChatService) FindChat(ctx context.Context, userID, friendID string) (models.Chat, bool) {
	all, _ := s.chats.Load(ctx)
	for _, c := range all[userID] {
		if !c.IsGroup && c.HasParticipant(friendID) {
			return cloneChat(c), true
		}
	}
	return models.Chat{}, false
}

// GetChatByID scans every copy for the chat id.
func (s *ChatService) GetChatByID(ctx context.Context, chatID string) (models.Chat, bool) {
	all, _ := s.chats.Load(ctx)
	for _, list := range all {
		for _, c := range list {
			if c.ID == chatID {
				return cloneChat(c), true
			}
		}
	}
	return models.Chat{}, false
}

// GetUserChats returns the user's chat list, most recent activity first.
func (s *ChatService) GetUserChats(ctx context.Context, userID string) []models.Chat {
	all, _ := s.chats.Load(ctx)
	list := make([]models.Chat, 0, len(all[userID]))
	for _, c := range all[userID] {
		list = append(list, cloneChat(c))
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.LastMessageAt != b.LastMessageAt {
			return a.LastMessageAt > b.LastMessageAt
		}
		return a.CreatedAt > b.CreatedAt
	})
	return list
}

// SendMessage appends a message to every participant's copy of the chat in
// one document rewrite. A participant whose copy went missing gets it
// re-seeded, so the fan-out self-heals.
func (s *ChatService) SendMessage(ctx context.Context, chatID, senderID, text string, attachments []string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return models.Message{}, errors.WithMessage(errors.ErrInvalidInput, "Message is empty")
	}
	if len(text) > maxMessageLength {
		return models.Message{}, errors.WithMessage(errors.ErrInvalidInput, "Message is too long")
	}

	sender, ok := s.users.FindUserByID(ctx, senderID)
	if !ok {
		return models.Message{}, errors.WithMessage(errors.ErrNotFound, "Sender not found")
	}

	message := models.Message{
		ID:          "msg_" + uuid.New().String(),
		SenderID:    senderID,
		SenderName:  sender.Nickname,
		Text:        text,
		Timestamp:   s.now().UnixMilli(),
		Attachments: attachments,
		Type:        "user",
	}

	var chat models.Chat
	err := s.chats.Mutate(ctx, func(all *map[string][]models.Chat) error {
		reference, ok := findChatCopy(*all, chatID)
		if !ok {
			return errors.WithMessage(errors.ErrNotFound, "Chat not found")
		}
		if !reference.HasParticipant(senderID) {
			return errors.WithMessage(errors.ErrUnauthorized, "Sender is not a participant")
		}

		updated := cloneChat(reference)
		updated.Messages = append(updated.Messages, message)
		updated.LastMessageAt = message.Timestamp
		if updated.Unread == nil {
			updated.Unread = map[string]int{}
		}
		for _, p := range updated.Participants {
			if p != senderID {
				updated.Unread[p]++
			}
		}

		// replace (or re-seed) the copy in every participant's list
		for _, p := range updated.Participants {
			replaceOrAppend(*all, p, updated)
		}
		chat = updated
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	s.updateIndex(ctx, chat)
	s.notifyRecipients(ctx, chat, message)
	return message, nil
}

// MarkAsRead zeroes the reader's unread counter and stamps messages from
// other senders as read, across every copy.
func (s *ChatService) MarkAsRead(ctx context.Context, chatID, readerID string) error {
	readAt := s.now().UnixMilli()
	return s.chats.Mutate(ctx, func(all *map[string][]models.Chat) error {
		reference, ok := findChatCopy(*all, chatID)
		if !ok {
			return errors.WithMessage(errors.ErrNotFound, "Chat not found")
		}
		if !reference.HasParticipant(readerID) {
			return errors.WithMessage(errors.ErrUnauthorized, "Reader is not a participant")
		}

		updated := cloneChat(reference)
		if updated.Unread == nil {
			updated.Unread = map[string]int{}
		}
		updated.Unread[readerID] = 0
		for i := range updated.Messages {
			m := &updated.Messages[i]
			if m.SenderID != readerID && !m.Read {
				m.Read = true
				m.ReadAt = readAt
			}
		}

		for _, p := range updated.Participants {
			replaceOrAppend(*all, p, updated)
		}
		return nil
	})
}

// GetUnreadCount sums the user's unread counters across their chats.
func (s *ChatService) GetUnreadCount(ctx context.Context, userID string) int {
	all, _ := s.chats.Load(ctx)
	total := 0
	for _, c := range all[userID] {
		total += c.Unread[userID]
	}
	return total
}

// GetMessages pages through a chat backwards from the newest message:
// offset 0 returns the most recent limit messages in chronological order.
func (s *ChatService) GetMessages(ctx context.Context, chatID, userID string, limit, offset int) ([]models.Message, error) {
	chat, ok := s.GetChatByID(ctx, chatID)
	if !ok {
		return nil, errors.WithMessage(errors.ErrNotFound, "Chat not found")
	}
	if !chat.HasParticipant(userID) {
		return nil, errors.WithMessage(errors.ErrUnauthorized, "Not a participant")
	}
	if limit <= 0 {
		limit = 50
	}
	return pageFromEnd(chat.Messages, limit, offset), nil
}

// SearchMessages finds the query in any of the user's chats,
// case-insensitive, skipping deleted messages.
func (s *ChatService) SearchMessages(ctx context.Context, userID, query string) []models.SearchResult {
	term := strings.ToLower(strings.TrimSpace(query))
	if len(term) < 2 {
		return nil
	}
	var results []models.SearchResult
	for _, chat := range s.GetUserChats(ctx, userID) {
		name := s.chatDisplayName(ctx, chat, userID)
		for _, m := range chat.Messages {
			if m.Deleted {
				continue
			}
			if strings.Contains(strings.ToLower(m.Text), term) {
				results = append(results, models.SearchResult{
					Message:  m,
					ChatID:   chat.ID,
					ChatName: name,
				})
			}
		}
	}
	return results
}

// EditMessage rewrites one of the sender's own messages in every copy.
func (s *ChatService) EditMessage(ctx context.Context, chatID, senderID, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxMessageLength {
		return errors.WithMessage(errors.ErrInvalidInput, "Invalid message text")
	}
	return s.mutateMessage(ctx, chatID, senderID, messageID, func(m *models.Message) {
		m.Text = text
		m.Edited = true
	})
}

// DeleteMessage marks one of the sender's own messages deleted in every
// copy. The tombstone keeps the message count stable across participants.
func (s *ChatService) DeleteMessage(ctx context.Context, chatID, senderID, messageID string) error {
	return s.mutateMessage(ctx, chatID, senderID, messageID, func(m *models.Message) {
		m.Text = ""
		m.Attachments = nil
		m.Deleted = true
	})
}

func (s *ChatService) mutateMessage(ctx context.Context, chatID, senderID, messageID string, apply func(*models.Message)) error {
	return s.chats.Mutate(ctx, func(all *map[string][]models.Chat) error {
		reference, ok := findChatCopy(*all, chatID)
		if !ok {
			return errors.WithMessage(errors.ErrNotFound, "Chat not found")
		}

		updated := cloneChat(reference)
		found := false
		for i := range updated.Messages {
			m := &updated.Messages[i]
			if m.ID != messageID {
				continue
			}
			if m.SenderID != senderID {
				return errors.WithMessage(errors.ErrUnauthorized, "Only the sender can change a message")
			}
			apply(m)
			found = true
			break
		}
		if !found {
			return errors.WithMessage(errors.ErrNotFound, "Message not found")
		}

		for _, p := range updated.Participants {
			replaceOrAppend(*all, p, updated)
		}
		return nil
	})
}

// DeleteChatForUser removes the chat from one user's list only. The other
// participant keeps their copy and history.
func (s *ChatService) DeleteChatForUser(ctx context.Context, chatID, userID string) error {
	return s.chats.Mutate(ctx, func(all *map[string][]models.Chat) error {
		list := (*all)[userID]
		for i, c := range list {
			if c.ID == chatID {
				(*all)[userID] = append(list[:i:i], list[i+1:]...)
				return nil
			}
		}
		return errors.WithMessage(errors.ErrNotFound, "Chat not found")
	})
}

// GetLastMessage returns the newest non-deleted message of a chat.
func (s *ChatService) GetLastMessage(ctx context.Context, chatID string) (models.Message, bool) {
	chat, ok := s.GetChatByID(ctx, chatID)
	if !ok {
		return models.Message{}, false
	}
	for i := len(chat.Messages) - 1; i >= 0; i-- {
		if !chat.Messages[i].Deleted {
			return chat.Messages[i], true
		}
	}
	return models.Message{}, false
}

// ChatStats summarizes one user's messaging footprint.
type ChatStats struct {
	TotalChats    int `json:"totalChats"`
	TotalMessages int `json:"totalMessages"`
	TotalUnread   int `json:"totalUnread"`
	SentMessages  int `json:"sentMessages"`
}

// GetStats aggregates the user's chats.
func (s *ChatService) GetStats(ctx context.Context, userID string) ChatStats {
	var stats ChatStats
	for _, chat := range s.GetUserChats(ctx, userID) {
		stats.TotalChats++
		stats.TotalMessages += len(chat.Messages)
		stats.TotalUnread += chat.Unread[userID]
		for _, m := range chat.Messages {
			if m.SenderID == userID {
				stats.SentMessages++
			}
		}
	}
	return stats
}

func (s *ChatService) chatDisplayName(ctx context.Context, chat models.Chat, viewerID string) string {
	if chat.Name != "" {
		return chat.Name
	}
	for _, p := range chat.Participants {
		if p == viewerID {
			continue
		}
		if other, ok := s.users.FindUserByID(ctx, p); ok {
			return other.Nickname
		}
	}
	return "Chat"
}

func (s *ChatService) notifyRecipients(ctx context.Context, chat models.Chat, message models.Message) {
	if s.notifier == nil {
		return
	}
	for _, p := range chat.Participants {
		if p == message.SenderID {
			continue
		}
		recipient, ok := s.users.FindUserByID(ctx, p)
		if !ok || !recipient.Settings.Notifications {
			continue
		}
		s.notifier.Notify(message.SenderName, message.Text, "message")
	}
}

func (s *ChatService) updateIndex(ctx context.Context, chat models.Chat) {
	err := s.index.Mutate(ctx, func(idx *map[string]models.ChatIndexEntry) error {
		if *idx == nil {
			*idx = map[string]models.ChatIndexEntry{}
		}
		(*idx)[chat.ID] = models.ChatIndexEntry{
			Participants: append([]string(nil), chat.Participants...),
			LastUpdated:  s.now().UnixMilli(),
		}
		return nil
	})
	if err != nil {
		log.Printf("Failed to update chat index for %s: %v", chat.ID, err)
	}
}

// findChatCopy returns the first copy of the chat found in any list.
func findChatCopy(all map[string][]models.Chat, chatID string) (models.Chat, bool) {
	for _, list := range all {
		for _, c := range list {
			if c.ID == chatID {
				return c, true
			}
		}
	}
	return models.Chat{}, false
}

// replaceOrAppend swaps the user's copy of the chat for the updated one,
// appending when the copy is missing.
func replaceOrAppend(all map[string][]models.Chat, userID string, chat models.Chat) {
	list := all[userID]
	for i, c := range list {
		if c.ID == chat.ID {
			list[i] = cloneChat(chat)
			all[userID] = list
			return
		}
	}
	all[userID] = append(list, cloneChat(chat))
}

// cloneChat deep-copies a chat so the copies in different lists never share
// backing arrays or the unread map.
func cloneChat(c models.Chat) models.Chat {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = append([]models.Message(nil), c.Messages...)
	out.Unread = make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		out.Unread[k] = v
	}
	return out
}

// pageFromEnd returns limit items ending offset before the slice end, in
// original order.
func pageFromEnd[T any](items []T, limit, offset int) []T {
	end := len(items) - offset
	if end <= 0 {
		return nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]T(nil), items[start:end]...)
}

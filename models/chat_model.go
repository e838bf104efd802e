package models

// GlobalChatID is the sentinel id of the singleton broadcast chat.
const GlobalChatID = "global_chat_meetup"

// GlobalChatLimit bounds the broadcast message buffer (oldest evicted first).
const GlobalChatLimit = 1000

type Message struct {
	ID          string   `json:"id"`
	SenderID    string   `json:"senderId"`
	SenderName  string   `json:"senderName,omitempty"`
	Text        string   `json:"text"`
	Timestamp   int64    `json:"timestamp"`
	Read        bool     `json:"read"`
	ReadAt      int64    `json:"readAt,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Edited      bool     `json:"edited"`
	Deleted     bool     `json:"deleted"`
	Type        string   `json:"type,omitempty"` // user | system
}

// Chat is a private conversation. An identical copy lives inside each
// participant's own list; after a successful send every copy carries the
// same message array and lastMessageAt.
//
// Unread is tracked per participant. The original client kept one shared
// counter mutated per reader, which could never stay consistent across
// copies; the per-participant map keeps the fan-out invariant intact.
type Chat struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	Messages      []Message      `json:"messages"`
	CreatedAt     int64          `json:"createdAt"`
	LastMessageAt int64          `json:"lastMessageAt"`
	Unread        map[string]int `json:"unread"`
	IsGroup       bool           `json:"isGroup"`
	Name          string         `json:"name"`
	Avatar        string         `json:"avatar,omitempty"`
}

// HasParticipant reports whether userID takes part in the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// GlobalChatSettings mirrors the broadcast chat limits of the original app.
type GlobalChatSettings struct {
	AllowImages      bool `json:"allowImages"`
	MaxMessageLength int  `json:"maxMessageLength"`
	RateLimit        int  `json:"rateLimit"`
}

// GlobalChat is the singleton broadcast channel. It is never deletable and
// retains only the most recent GlobalChatLimit messages.
type GlobalChat struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Participants    []string           `json:"participants"`
	Messages        []Message          `json:"messages"`
	CreatedAt       int64              `json:"createdAt"`
	LastMessageAt   int64              `json:"lastMessageAt"`
	IsGlobal        bool               `json:"isGlobal"`
	TotalMessages   int                `json:"totalMessages"`
	CannotBeDeleted bool               `json:"cannotBeDeleted"`
	Settings        GlobalChatSettings `json:"settings"`
}

// ChatIndexEntry maps a chat id to its participants for quick lookup.
type ChatIndexEntry struct {
	Participants []string `json:"participants"`
	LastUpdated  int64    `json:"lastUpdated"`
}

// SearchResult pairs a matching message with the chat it was found in.
type SearchResult struct {
	Message  Message `json:"message"`
	ChatID   string  `json:"chatId"`
	ChatName string  `json:"chatName"`
}

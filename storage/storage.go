package storage

import "context"

// Fixed keys of the core state. Per-entity keys are derived with the
// helper functions below.
const (
	KeyUsers          = "meetup_users"
	KeyCurrentUser    = "meetup_current_user"
	KeyFriendRequests = "meetup_friend_requests"
	KeyQRRecords      = "meetup_qr_records"
	KeyChats          = "meetup_chats_v2"
	KeyGlobalChat     = "meetup_global_chat_v2"
	KeyChatIndex      = "meetup_chat_index"
	KeyPedometerStats = "meetup_pedometer_stats_v2"
	KeyBackups        = "meetup_backups"
)

const (
	PrefixActivity  = "user_activity_"
	PrefixMovements = "user_movements_"
	PrefixTgReset   = "tg_reset_"
)

func ActivityKey(userID string) string  { return PrefixActivity + userID }
func MovementsKey(userID string) string { return PrefixMovements + userID }
func TgResetKey(username string) string { return PrefixTgReset + username }

// Store is the durable, asynchronous, string-keyed key-value store all core
// state lives in. Values are JSON documents. Operations may fail and there
// is no atomicity across keys; the Collection/Document layer builds its
// consistency discipline on top of this contract.
type Store interface {
	// Get returns the value under key, with ok == false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
}

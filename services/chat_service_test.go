package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

func TestCreateChatIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	first, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)
	second, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// opening from the other side finds the same chat
	third, err := env.chats.CreateChat(ctx, bob.ID, alice.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	assert.Len(t, env.chats.GetUserChats(ctx, alice.ID), 1)
	assert.Len(t, env.chats.GetUserChats(ctx, bob.ID), 1)
}

func TestCreateChatRejectsSelfAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")

	_, err := env.chats.CreateChat(ctx, alice.ID, alice.ID, "")
	assert.Error(t, err)
	_, err = env.chats.CreateChat(ctx, alice.ID, "user_missing", "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCreateChatKeepsOptionalName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "  Weekend plans ")
	require.NoError(t, err)
	assert.Equal(t, "Weekend plans", chat.Name)

	// both participants carry the same name
	for _, id := range []string{alice.ID, bob.ID} {
		list := env.chats.GetUserChats(ctx, id)
		require.Len(t, list, 1)
		assert.Equal(t, "Weekend plans", list[0].Name)
	}
}

// chatCopies reads both participants' copies straight from the store.
func chatCopies(t *testing.T, env *testEnv, chatID string, userIDs ...string) []models.Chat {
	t.Helper()
	doc := storage.NewDocument(env.store, storage.KeyChats, func() map[string][]models.Chat {
		return map[string][]models.Chat{}
	})
	all, _ := doc.Load(context.Background())
	var copies []models.Chat
	for _, id := range userIDs {
		for _, c := range all[id] {
			if c.ID == chatID {
				copies = append(copies, c)
			}
		}
	}
	require.Len(t, copies, len(userIDs))
	return copies
}

func TestSendMessageFansOutIdenticalCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)

	_, err = env.chats.SendMessage(ctx, chat.ID, alice.ID, "hello", nil)
	require.NoError(t, err)
	_, err = env.chats.SendMessage(ctx, chat.ID, bob.ID, "hi back", nil)
	require.NoError(t, err)

	copies := chatCopies(t, env, chat.ID, alice.ID, bob.ID)
	assert.Equal(t, copies[0], copies[1])
	require.Len(t, copies[0].Messages, 2)
	assert.Equal(t, "hello", copies[0].Messages[0].Text)
}

func TestSendMessageSelfHealsMissingCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)

	// bob's copy disappears (client cleared it)
	require.NoError(t, env.chats.DeleteChatForUser(ctx, chat.ID, bob.ID))
	assert.Empty(t, env.chats.GetUserChats(ctx, bob.ID))

	_, err = env.chats.SendMessage(ctx, chat.ID, alice.ID, "you still there?", nil)
	require.NoError(t, err)

	copies := chatCopies(t, env, chat.ID, alice.ID, bob.ID)
	assert.Equal(t, copies[0], copies[1])
}

func TestUnreadCountersPerParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = env.chats.SendMessage(ctx, chat.ID, alice.ID, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	// sender stays at zero, recipient counts every message
	assert.Equal(t, 0, env.chats.GetUnreadCount(ctx, alice.ID))
	assert.Equal(t, 3, env.chats.GetUnreadCount(ctx, bob.ID))

	require.NoError(t, env.chats.MarkAsRead(ctx, chat.ID, bob.ID))
	assert.Equal(t, 0, env.chats.GetUnreadCount(ctx, bob.ID))

	// alice's read state is untouched by bob reading
	_, err = env.chats.SendMessage(ctx, chat.ID, bob.ID, "reply", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, env.chats.GetUnreadCount(ctx, alice.ID))
	assert.Equal(t, 0, env.chats.GetUnreadCount(ctx, bob.ID))

	// copies stay identical through the whole exchange
	copies := chatCopies(t, env, chat.ID, alice.ID, bob.ID)
	assert.Equal(t, copies[0], copies[1])
}

func TestSendMessageRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	eve := env.registerUser(t, "eve")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)

	_, err = env.chats.SendMessage(ctx, chat.ID, eve.ID, "let me in", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestGetMessagesPagesBackwards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = env.chats.SendMessage(ctx, chat.ID, alice.ID, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	newest, err := env.chats.GetMessages(ctx, chat.ID, bob.ID, 3, 0)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, "msg 7", newest[0].Text)
	assert.Equal(t, "msg 9", newest[2].Text)

	older, err := env.chats.GetMessages(ctx, chat.ID, bob.ID, 3, 3)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, "msg 4", older[0].Text)

	past, err := env.chats.GetMessages(ctx, chat.ID, bob.ID, 3, 100)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestEditAndDeleteMessagePropagate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)
	msg, err := env.chats.SendMessage(ctx, chat.ID, alice.ID, "tpyo", nil)
	require.NoError(t, err)

	// only the sender may edit
	err = env.chats.EditMessage(ctx, chat.ID, bob.ID, msg.ID, "nope")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	require.NoError(t, env.chats.EditMessage(ctx, chat.ID, alice.ID, msg.ID, "typo"))
	copies := chatCopies(t, env, chat.ID, alice.ID, bob.ID)
	assert.Equal(t, "typo", copies[1].Messages[0].Text)
	assert.True(t, copies[1].Messages[0].Edited)

	require.NoError(t, env.chats.DeleteMessage(ctx, chat.ID, alice.ID, msg.ID))
	copies = chatCopies(t, env, chat.ID, alice.ID, bob.ID)
	assert.True(t, copies[0].Messages[0].Deleted)
	assert.Empty(t, copies[0].Messages[0].Text)
	assert.Equal(t, copies[0], copies[1])
}

func TestSearchMessagesSkipsDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	chat, err := env.chats.CreateChat(ctx, alice.ID, bob.ID, "")
	require.NoError(t, err)
	kept, err := env.chats.SendMessage(ctx, chat.ID, alice.ID, "meet at the park", nil)
	require.NoError(t, err)
	gone, err := env.chats.SendMessage(ctx, chat.ID, alice.ID, "park again", nil)
	require.NoError(t, err)
	require.NoError(t, env.chats.DeleteMessage(ctx, chat.ID, alice.ID, gone.ID))

	results := env.chats.SearchMessages(ctx, bob.ID, "PARK")
	require.Len(t, results, 1)
	assert.Equal(t, kept.ID, results[0].Message.ID)
	assert.Equal(t, "alice", results[0].ChatName)
}

func TestGlobalChatInitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.chats.InitGlobalChat(ctx))
	first := env.chats.GetGlobalChat(ctx)
	require.Equal(t, models.GlobalChatID, first.ID)
	require.Len(t, first.Messages, 2)

	require.NoError(t, env.chats.InitGlobalChat(ctx))
	second := env.chats.GetGlobalChat(ctx)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestGlobalChatEvictsBeyondLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	require.NoError(t, env.chats.InitGlobalChat(ctx))

	total := models.GlobalChatLimit + 50
	for i := 0; i < total; i++ {
		_, err := env.chats.SendGlobalMessage(ctx, alice.ID, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	g := env.chats.GetGlobalChat(ctx)
	assert.Len(t, g.Messages, models.GlobalChatLimit)
	// the 2 welcome messages and the first 48 user messages were evicted
	assert.Equal(t, fmt.Sprintf("msg %d", total-1), g.Messages[len(g.Messages)-1].Text)
	assert.Equal(t, fmt.Sprintf("msg %d", total-models.GlobalChatLimit), g.Messages[0].Text)
	assert.Equal(t, total+2, g.TotalMessages)
}

func TestSendMessageToChatRoutesGlobal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	require.NoError(t, env.chats.InitGlobalChat(ctx))

	_, err := env.chats.SendMessageToChat(ctx, models.GlobalChatID, alice.ID, "hello world", nil)
	require.NoError(t, err)

	messages := env.chats.GetGlobalMessages(ctx, 1, 0)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello world", messages[0].Text)
}

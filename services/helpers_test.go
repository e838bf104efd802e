package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meetup-server/models"
	"meetup-server/storage"
)

// testClock is a settable time source shared by every service in a fixture.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	kinds []string
}

func (n *recordingNotifier) Notify(title, message, kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1]
}

type testEnv struct {
	store    *storage.MemoryStore
	clock    *testClock
	notifier *recordingNotifier
	users    *UserService
	friends  *FriendService
	chats    *ChatService
	steps    *PedometerService
	cleanup  *CleanupService
	backup   *BackupService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	clock := newTestClock()
	notifier := &recordingNotifier{}

	usersCol := storage.NewCollection(store, storage.KeyUsers, models.ValidateAccount)
	requestsCol := storage.NewCollection(store, storage.KeyFriendRequests, models.ValidateFriendRequest)
	qrDoc := storage.NewDocument(store, storage.KeyQRRecords, func() map[string]models.QRRecord {
		return map[string]models.QRRecord{}
	})
	chatsDoc := storage.NewDocument(store, storage.KeyChats, func() map[string][]models.Chat {
		return map[string][]models.Chat{}
	})
	globalDoc := storage.NewDocument[models.GlobalChat](store, storage.KeyGlobalChat, nil)
	indexDoc := storage.NewDocument(store, storage.KeyChatIndex, func() map[string]models.ChatIndexEntry {
		return map[string]models.ChatIndexEntry{}
	})
	stepDoc := storage.NewDocument(store, storage.KeyPedometerStats, FreshStepStats)
	backupDoc := storage.NewDocument[[]Snapshot](store, storage.KeyBackups, nil)

	tasks := NewTaskQueue(8)
	t.Cleanup(tasks.Close)

	users := NewUserService(store, usersCol, requestsCol, SHA256Digest{}, nil, notifier, "test-secret")
	users.now = clock.Now

	friends := NewFriendService(users, requestsCol, qrDoc, tasks, notifier)
	friends.now = clock.Now

	chats := NewChatService(chatsDoc, globalDoc, indexDoc, users, notifier)
	chats.now = clock.Now

	steps := NewPedometerService(stepDoc, nil)
	steps.now = clock.Now

	cleanup := NewCleanupService(users, friends, store)
	cleanup.now = clock.Now

	backup := NewBackupService(usersCol, requestsCol, backupDoc)
	backup.now = clock.Now

	return &testEnv{
		store:    store,
		clock:    clock,
		notifier: notifier,
		users:    users,
		friends:  friends,
		chats:    chats,
		steps:    steps,
		cleanup:  cleanup,
		backup:   backup,
	}
}

// registerUser creates an account through the normal registration path.
func (e *testEnv) registerUser(t *testing.T, nickname string) models.Account {
	t.Helper()
	user, _, err := e.users.Register(context.Background(), RegisterInput{
		Email:    nickname + "@example.com",
		Nickname: nickname,
		Password: "password123",
	})
	require.NoError(t, err)
	return user
}

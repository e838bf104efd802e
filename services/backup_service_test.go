package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/utils/errors"
)

func TestBackupRetainsLastFive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerUser(t, "alice")

	var timestamps []int64
	for i := 0; i < maxBackups+2; i++ {
		snapshot, err := env.backup.Backup(ctx)
		require.NoError(t, err)
		timestamps = append(timestamps, snapshot.Timestamp)
		env.clock.Advance(time.Hour)
	}

	backups := env.backup.ListBackups(ctx)
	require.Len(t, backups, maxBackups)
	// the two oldest were evicted
	assert.Equal(t, timestamps[2], backups[0].Timestamp)
	assert.Equal(t, timestamps[len(timestamps)-1], backups[maxBackups-1].Timestamp)
}

func TestRestoreLatestRevertsDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	_, err := env.friends.SendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = env.backup.Backup(ctx)
	require.NoError(t, err)

	// damage after the snapshot
	require.NoError(t, env.users.DeleteUser(ctx, bob.ID))
	for i := 0; i < 3; i++ {
		env.registerUser(t, fmt.Sprintf("extra%d", i))
	}
	require.Len(t, env.users.GetUsers(ctx), 4)

	restored, err := env.backup.RestoreLatest(ctx)
	require.NoError(t, err)
	assert.Len(t, restored.Users, 2)

	users := env.users.GetUsers(ctx)
	require.Len(t, users, 2)
	_, found := env.users.FindUserByID(ctx, bob.ID)
	assert.True(t, found)
	assert.Len(t, env.friends.GetIncomingRequests(ctx, bob.ID), 1)
}

func TestRestoreAtPicksSpecificSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerUser(t, "alice")

	first, err := env.backup.Backup(ctx)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	env.registerUser(t, "bob")
	_, err = env.backup.Backup(ctx)
	require.NoError(t, err)

	restored, err := env.backup.RestoreAt(ctx, first.Timestamp)
	require.NoError(t, err)
	assert.Len(t, restored.Users, 1)
	assert.Len(t, env.users.GetUsers(ctx), 1)

	_, err = env.backup.RestoreAt(ctx, 12345)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSaveTriggeredBackupDebounces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.backup.ArmOnSave(50 * time.Millisecond)

	// a burst of directory writes collapses into one snapshot
	env.registerUser(t, "alice")
	env.registerUser(t, "bob")
	env.registerUser(t, "carol")

	require.Eventually(t, func() bool {
		return len(env.backup.ListBackups(ctx)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	backups := env.backup.ListBackups(ctx)
	require.Len(t, backups, 1)
	assert.Len(t, backups[0].Users, 3)
}

func TestRestoreWithNoBackupsFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.backup.RestoreLatest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

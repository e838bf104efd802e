package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/models"
	"meetup-server/utils/errors"
)

func TestFriendRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	request, err := env.friends.SendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, request.Status)

	incoming := env.friends.GetIncomingRequests(ctx, bob.ID)
	require.Len(t, incoming, 1)
	assert.Len(t, env.friends.GetOutgoingRequests(ctx, alice.ID), 1)

	// only the recipient can accept
	_, err = env.friends.AcceptRequest(ctx, request.ID, alice.ID)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	accepted, err := env.friends.AcceptRequest(ctx, request.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.True(t, env.friends.AreFriends(ctx, alice.ID, bob.ID))

	friendsOfAlice := env.friends.GetFriendsOf(ctx, alice.ID)
	require.Len(t, friendsOfAlice, 1)
	assert.Equal(t, bob.ID, friendsOfAlice[0].ID)

	aliceStored, _ := env.users.FindUserByID(ctx, alice.ID)
	bobStored, _ := env.users.FindUserByID(ctx, bob.ID)
	assert.Equal(t, 1, aliceStored.Stats.FriendsCount)
	assert.Equal(t, 1, bobStored.Stats.FriendsCount)
	assert.Equal(t, 1, aliceStored.Stats.SentRequests)
}

func TestDuplicateRequestsBlocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	_, err := env.friends.SendRequest(ctx, alice.ID, alice.ID)
	assert.Error(t, err)

	request, err := env.friends.SendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	// a second request in either direction is rejected while one is pending
	_, err = env.friends.SendRequest(ctx, alice.ID, bob.ID)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))
	_, err = env.friends.SendRequest(ctx, bob.ID, alice.ID)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))

	// a rejected request keeps blocking until the sweep removes it
	require.NoError(t, env.friends.RejectRequest(ctx, request.ID, bob.ID))
	_, err = env.friends.SendRequest(ctx, alice.ID, bob.ID)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))
}

func TestRemoveFriendDropsEdgeAndCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	request, err := env.friends.SendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = env.friends.AcceptRequest(ctx, request.ID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, env.friends.RemoveFriend(ctx, alice.ID, bob.ID))
	assert.False(t, env.friends.AreFriends(ctx, alice.ID, bob.ID))

	aliceStored, _ := env.users.FindUserByID(ctx, alice.ID)
	assert.Equal(t, 0, aliceStored.Stats.FriendsCount)

	// after removal the pair can connect again
	_, err = env.friends.SendRequest(ctx, bob.ID, alice.ID)
	assert.NoError(t, err)
}

func TestCleanupSweepsStaleRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	carol := env.registerUser(t, "carol")

	rejected, err := env.friends.SendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.NoError(t, env.friends.RejectRequest(ctx, rejected.ID, bob.ID))
	_, err = env.friends.SendRequest(ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	// one week: the rejected tombstone goes, the pending request stays
	env.clock.Advance(7*24*time.Hour + time.Hour)
	env.cleanup.Run(ctx)
	assert.Len(t, env.friends.GetIncomingRequests(ctx, carol.ID), 1)
	_, err = env.friends.SendRequest(ctx, alice.ID, bob.ID)
	assert.NoError(t, err, "rejected tombstone should be gone")

	// one month: even pending requests are aged out
	env.clock.Advance(31 * 24 * time.Hour)
	env.cleanup.Run(ctx)
	assert.Empty(t, env.friends.GetIncomingRequests(ctx, carol.ID))
}

func TestCleanupDeletesScheduledAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")

	require.NoError(t, env.users.ScheduleDeletion(ctx, alice.ID, env.clock.Now().Add(24*time.Hour)))

	env.cleanup.Run(ctx)
	_, found := env.users.FindUserByID(ctx, alice.ID)
	assert.True(t, found, "deadline not reached yet")

	env.clock.Advance(25 * time.Hour)
	env.cleanup.Run(ctx)
	_, found = env.users.FindUserByID(ctx, alice.ID)
	assert.False(t, found)
}

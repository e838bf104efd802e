package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/models"
	"meetup-server/utils/errors"
)

func TestFriendQRScanCreatesRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	data, err := env.friends.GenerateFriendQR(ctx, alice.ID)
	require.NoError(t, err)

	var payload models.QRPayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "friend_request", payload.Type)
	assert.Equal(t, alice.ID, payload.UserID)

	result, err := env.friends.ProcessScannedCode(ctx, bob.ID, data)
	require.NoError(t, err)
	assert.Equal(t, ScanFriendRequest, result.Kind)
	require.NotNil(t, result.Request)
	assert.True(t, result.Request.Metadata.ViaQR)

	incoming := env.friends.GetIncomingRequests(ctx, alice.ID)
	require.Len(t, incoming, 1)
	assert.Equal(t, bob.ID, incoming[0].FromUserID)

	stats := env.friends.GetQRStats(ctx, alice.ID)
	assert.Equal(t, 1, stats.Generated)
	assert.Equal(t, 1, stats.Scanned)
}

func TestExpiredFriendQRRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	data, err := env.friends.GenerateFriendQR(ctx, alice.ID)
	require.NoError(t, err)

	env.clock.Advance(qrCodeTTL + time.Minute)

	_, err = env.friends.ProcessScannedCode(ctx, bob.ID, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExpired))
	assert.Empty(t, env.friends.GetIncomingRequests(ctx, alice.ID))
}

func TestProfileQRScanReturnsUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	data, err := env.friends.GenerateProfileQR(ctx, alice.ID)
	require.NoError(t, err)

	result, err := env.friends.ProcessScannedCode(ctx, bob.ID, data)
	require.NoError(t, err)
	assert.Equal(t, ScanUserProfile, result.Kind)
	require.NotNil(t, result.User)
	assert.Equal(t, alice.ID, result.User.ID)
	// a profile view never creates a request
	assert.Empty(t, env.friends.GetIncomingRequests(ctx, alice.ID))
}

func TestScanDispatchFormats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	carol := env.registerUser(t, "carol")

	t.Run("add-friend deep link", func(t *testing.T) {
		result, err := env.friends.ProcessScannedCode(ctx, bob.ID, "meetup://add-friend/"+alice.ID+"/alice")
		require.NoError(t, err)
		assert.Equal(t, ScanFriendRequest, result.Kind)
		require.NotNil(t, result.Request)
		assert.True(t, result.Request.Metadata.ViaQR)
	})

	t.Run("add-friend deep link without nickname", func(t *testing.T) {
		result, err := env.friends.ProcessScannedCode(ctx, carol.ID, "meetup://add-friend/"+alice.ID)
		require.NoError(t, err)
		assert.Equal(t, ScanFriendRequest, result.Kind)
	})

	t.Run("referral deep link", func(t *testing.T) {
		code, err := env.friends.EnsureReferralCode(ctx, alice.ID)
		require.NoError(t, err)
		result, err := env.friends.ProcessScannedCode(ctx, bob.ID, "meetup://referral/"+code)
		require.NoError(t, err)
		assert.Equal(t, ScanReferral, result.Kind)
		require.NotNil(t, result.User)
		assert.Equal(t, alice.ID, result.User.ID)
	})

	t.Run("profile deep link", func(t *testing.T) {
		result, err := env.friends.ProcessScannedCode(ctx, bob.ID, "meetup://profile/alice")
		require.NoError(t, err)
		assert.Equal(t, ScanUserProfile, result.Kind)
		require.NotNil(t, result.User)
		assert.Equal(t, alice.ID, result.User.ID)
	})

	t.Run("legacy friend token", func(t *testing.T) {
		result, err := env.friends.ProcessScannedCode(ctx, carol.ID, "FRIEND_"+bob.ID+"_1718000000000")
		require.NoError(t, err)
		assert.Equal(t, ScanFriendRequest, result.Kind)
	})

	t.Run("bare identifier falls back to profile view", func(t *testing.T) {
		dave := env.registerUser(t, "dave")
		result, err := env.friends.ProcessScannedCode(ctx, dave.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, ScanUserProfile, result.Kind)
		require.NotNil(t, result.User)
		assert.Equal(t, alice.ID, result.User.ID)
		// a profile view never creates a request
		assert.Empty(t, env.friends.GetOutgoingRequests(ctx, dave.ID))
	})

	t.Run("garbage rejected", func(t *testing.T) {
		for _, data := range []string{"", "???", "{broken json", "https://meetup.app/invite", "meetup://what", "nobody-here"} {
			_, err := env.friends.ProcessScannedCode(ctx, bob.ID, data)
			require.Error(t, err, "data %q", data)
			assert.True(t, errors.Is(err, errors.ErrUnrecognizedCode), "data %q", data)
		}
	})
}

func TestReferralCodeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	// registration already minted a code
	assert.Contains(t, alice.ReferralCode, "REF_")
	assert.NotZero(t, alice.ReferralGeneratedAt)

	code, err := env.friends.EnsureReferralCode(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ReferralCode, code)

	// asking again reuses the live code
	again, err := env.friends.EnsureReferralCode(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, code, again)

	owner, err := env.friends.UseReferralCode(ctx, bob.ID, code)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)

	bobStored, _ := env.users.FindUserByID(ctx, bob.ID)
	assert.Equal(t, alice.ID, bobStored.ReferredBy)
	aliceStored, _ := env.users.FindUserByID(ctx, alice.ID)
	assert.Equal(t, 1, aliceStored.Stats.ReferralsCount)
	assert.Equal(t, referralBonus, aliceStored.Stats.ReferralBonus)

	// the deferred mutual friend request lands shortly after
	require.Eventually(t, func() bool {
		return len(env.friends.GetIncomingRequests(ctx, bob.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReferralCodeRejectsSelfAndRepeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	carol := env.registerUser(t, "carol")

	code, err := env.friends.EnsureReferralCode(ctx, alice.ID)
	require.NoError(t, err)

	_, err = env.friends.UseReferralCode(ctx, alice.ID, code)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = env.friends.UseReferralCode(ctx, bob.ID, code)
	require.NoError(t, err)

	// bob is already referred, a second code cannot rebind him
	carolCode, err := env.friends.EnsureReferralCode(ctx, carol.ID)
	require.NoError(t, err)
	_, err = env.friends.UseReferralCode(ctx, bob.ID, carolCode)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))
}

func TestReferralCodeExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	code, err := env.friends.EnsureReferralCode(ctx, alice.ID)
	require.NoError(t, err)

	// just inside the window the code still validates
	env.clock.Advance(referralCodeTTL - time.Minute)
	_, err = env.friends.ValidateReferralCode(ctx, code)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	_, err = env.friends.ValidateReferralCode(ctx, code)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExpired))

	_, err = env.friends.UseReferralCode(ctx, bob.ID, code)
	assert.True(t, errors.Is(err, errors.ErrExpired))

	// EnsureReferralCode mints a replacement once the old one expired
	fresh, err := env.friends.EnsureReferralCode(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, code, fresh)
}

func TestScanReferralViaInviteURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")

	links, err := env.friends.GetReferralLinks(ctx, alice.ID)
	require.NoError(t, err)

	result, err := env.friends.ProcessScannedCode(ctx, bob.ID, links.WebLink)
	require.NoError(t, err)
	assert.Equal(t, ScanReferral, result.Kind)
	require.NotNil(t, result.User)
	assert.Equal(t, alice.ID, result.User.ID)
}

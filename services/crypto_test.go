package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPasswordShape(t *testing.T) {
	d := SHA256Digest{}

	hashed := HashPassword(d, "password123")
	assert.True(t, strings.HasPrefix(hashed, "hash_"))
	assert.Len(t, hashed, len("hash_")+64)
	// deterministic
	assert.Equal(t, hashed, HashPassword(d, "password123"))
	assert.NotEqual(t, hashed, HashPassword(d, "password124"))

	assert.Empty(t, HashPassword(d, ""))
}

func TestPasswordMatches(t *testing.T) {
	d := SHA256Digest{}
	stored := HashPassword(d, "password123")

	assert.True(t, PasswordMatches(d, stored, "password123"))
	assert.False(t, PasswordMatches(d, stored, "password124"))
	assert.False(t, PasswordMatches(d, stored, ""))
	assert.False(t, PasswordMatches(d, "", "password123"))
}

func TestPasswordMatchesLegacyDigest(t *testing.T) {
	d := SHA256Digest{}
	stored := legacyHash("oldpassword1" + passwordSalt)

	assert.True(t, PasswordMatches(d, stored, "oldpassword1"))
	assert.False(t, PasswordMatches(d, stored, "otherpassword"))
}

func TestLegacyHashStaysWithin32BitRange(t *testing.T) {
	// the accumulator wraps at 32 bits, so even a long input digests to a
	// short base36 value; unbounded arithmetic would grow with the input
	long := strings.Repeat("correct-horse-battery", 4) + passwordSalt
	digest := legacyHash(long)

	assert.True(t, strings.HasPrefix(digest, "hash_"))
	assert.LessOrEqual(t, len(digest), len("hash_")+7)
	assert.Equal(t, digest, legacyHash(long))
}

func TestDistanceHaversine(t *testing.T) {
	moscow := []float64{55.7558, 37.6173}
	petersburg := []float64{59.9311, 30.3609}

	d := Distance(moscow, petersburg)
	assert.InDelta(t, 634, d, 10)
	assert.Zero(t, Distance(moscow, moscow))
}

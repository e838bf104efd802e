package services

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"unicode/utf16"
)

// passwordSalt is appended to every password before digesting. Changing it
// invalidates every stored credential, so it is fixed for the lifetime of
// the schema version.
const passwordSalt = "meetup_salt_v2_2024_secure"

const hashPrefix = "hash_"

// Digest is the crypto collaborator used for password hashing.
type Digest interface {
	SHA256Hex(s string) string
}

// SHA256Digest is the production Digest.
type SHA256Digest struct{}

func (SHA256Digest) SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPassword produces the stored credential form: "hash_" + hex digest of
// password+salt. Empty passwords digest to the empty string so they can
// never match a stored credential.
func HashPassword(d Digest, password string) string {
	if password == "" {
		return ""
	}
	return hashPrefix + d.SHA256Hex(password+passwordSalt)
}

// PasswordMatches compares a candidate password against a stored digest in
// constant time. Digests produced by the legacy non-cryptographic fallback
// of old clients are still recognized.
func PasswordMatches(d Digest, stored, password string) bool {
	if stored == "" || password == "" {
		return false
	}
	candidate := HashPassword(d, password)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1 {
		return true
	}
	legacy := legacyHash(password + passwordSalt)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(legacy)) == 1
}

// legacyHash reproduces the deterministic fallback hash old app builds used
// when the digest primitive was unavailable: a shift-multiply over UTF-16
// code units, made non-negative after every step. The shift wraps in 32-bit
// signed arithmetic, so the accumulator must be truncated before shifting or
// the digests diverge from stored legacy records. Kept only so those
// accounts can still log in; never used for new credentials.
func legacyHash(s string) string {
	var h int64
	for _, c := range utf16.Encode([]rune(s)) {
		h = int64(int32(h)<<5) - h + int64(c)
		if h < 0 {
			h = -h
		}
	}
	return hashPrefix + strconv.FormatInt(h, 36)
}

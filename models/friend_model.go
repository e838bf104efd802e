package models

// Friend request statuses.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

type RequestMetadata struct {
	ViaQR     bool  `json:"viaQR"`
	ScannedAt int64 `json:"scannedAt,omitempty"`
}

// FriendRequest is a directed edge between two account ids. At most one
// non-terminal request exists per unordered pair; a rejected request blocks
// new ones until the cleanup sweep removes it.
type FriendRequest struct {
	ID         string          `json:"id"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Status     string          `json:"status"`
	Timestamp  int64           `json:"timestamp"`
	AcceptedAt int64           `json:"acceptedAt,omitempty"`
	RejectedAt int64           `json:"rejectedAt,omitempty"`
	Metadata   RequestMetadata `json:"metadata"`
}

// Touches reports whether the request involves the given user on either end.
func (r FriendRequest) Touches(userID string) bool {
	return r.FromUserID == userID || r.ToUserID == userID
}

// Between reports whether the request connects the unordered pair (a, b).
func (r FriendRequest) Between(a, b string) bool {
	return (r.FromUserID == a && r.ToUserID == b) ||
		(r.FromUserID == b && r.ToUserID == a)
}

// ValidateFriendRequest fills defaults on load. Requests without both
// endpoints are dropped.
func ValidateFriendRequest(r FriendRequest) (FriendRequest, bool) {
	if r.FromUserID == "" || r.ToUserID == "" {
		return r, false
	}
	switch r.Status {
	case RequestPending, RequestAccepted, RequestRejected:
	default:
		r.Status = RequestPending
	}
	return r, true
}

// QRRecord tracks an issued QR code for validation and expiry sweeps.
type QRRecord struct {
	Data        string `json:"data"`
	UserID      string `json:"userId"`
	GeneratedAt int64  `json:"generatedAt"`
	Used        bool   `json:"used"`
}

// QRPayload is the tagged union encoded into friend/profile QR codes.
type QRPayload struct {
	Type      string `json:"type"` // friend_request | user_profile
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// FriendService manages the friendship graph: directed requests stored as
// one JSON array, plus the QR and referral entry points that feed it.
type FriendService struct {
	users    *UserService
	requests *storage.Collection[models.FriendRequest]
	qr       *storage.Document[map[string]models.QRRecord]
	tasks    *TaskQueue
	notifier Notifier

	now func() time.Time
}

func NewFriendService(
	users *UserService,
	requests *storage.Collection[models.FriendRequest],
	qr *storage.Document[map[string]models.QRRecord],
	tasks *TaskQueue,
	notifier Notifier,
) *FriendService {
	return &FriendService{
		users:    users,
		requests: requests,
		qr:       qr,
		tasks:    tasks,
		notifier: notifier,
		now:      time.Now,
	}
}

// SendRequest creates a pending edge from one account to another. Any
// existing edge between the pair, whatever its state, blocks a new one:
// rejected requests stay as tombstones until the cleanup sweep.
func (s *FriendService) SendRequest(ctx context.Context, fromID, toID string) (models.FriendRequest, error) {
	return s.sendRequest(ctx, fromID, toID, models.RequestMetadata{})
}

// SendRequestViaQR is SendRequest with QR provenance recorded, feeding the
// QR funnel stats.
func (s *FriendService) SendRequestViaQR(ctx context.Context, fromID, toID string) (models.FriendRequest, error) {
	return s.sendRequest(ctx, fromID, toID, models.RequestMetadata{
		ViaQR:     true,
		ScannedAt: s.now().UnixMilli(),
	})
}

func (s *FriendService) sendRequest(ctx context.Context, fromID, toID string, meta models.RequestMetadata) (models.FriendRequest, error) {
	if fromID == toID {
		return models.FriendRequest{}, errors.WithMessage(errors.ErrInvalidInput, "Cannot send a friend request to yourself")
	}
	sender, ok := s.users.FindUserByID(ctx, fromID)
	if !ok {
		return models.FriendRequest{}, errors.WithMessage(errors.ErrNotFound, "Sender not found")
	}
	recipient, ok := s.users.FindUserByID(ctx, toID)
	if !ok {
		return models.FriendRequest{}, errors.WithMessage(errors.ErrNotFound, "Recipient not found")
	}

	request := models.FriendRequest{
		ID:         "req_" + uuid.New().String(),
		FromUserID: fromID,
		ToUserID:   toID,
		Status:     models.RequestPending,
		Timestamp:  s.now().UnixMilli(),
		Metadata:   meta,
	}

	err := s.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		for _, r := range reqs {
			if !r.Between(fromID, toID) {
				continue
			}
			switch r.Status {
			case models.RequestAccepted:
				return nil, errors.WithMessage(errors.ErrDuplicate, "Already friends")
			case models.RequestPending:
				return nil, errors.WithMessage(errors.ErrDuplicate, "Friend request already exists")
			case models.RequestRejected:
				return nil, errors.WithMessage(errors.ErrDuplicate, "A previous request between these users was rejected")
			}
		}
		return append(reqs, request), nil
	})
	if err != nil {
		return models.FriendRequest{}, err
	}

	s.users.AddToStats(ctx, fromID, func(st *models.Stats) {
		st.SentRequests++
		if meta.ViaQR {
			st.QRInvitations++
		}
	})
	if meta.ViaQR {
		s.users.AddToStats(ctx, toID, func(st *models.Stats) {
			st.QRInvitationsReceived++
		})
	}

	if s.notifier != nil && recipient.Settings.Notifications {
		s.notifier.Notify("Friend request", sender.Nickname+" wants to be your friend", "friend_request")
	}
	return request, nil
}

// AcceptRequest flips a pending request to accepted. Only the recipient
// may accept.
func (s *FriendService) AcceptRequest(ctx context.Context, requestID, userID string) (models.FriendRequest, error) {
	var accepted models.FriendRequest
	err := s.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		for i, r := range reqs {
			if r.ID != requestID {
				continue
			}
			if r.ToUserID != userID {
				return nil, errors.WithMessage(errors.ErrUnauthorized, "Only the recipient can accept a request")
			}
			if r.Status != models.RequestPending {
				return nil, errors.WithMessage(errors.ErrInvalidInput, "Request is not pending")
			}
			reqs[i].Status = models.RequestAccepted
			reqs[i].AcceptedAt = s.now().UnixMilli()
			accepted = reqs[i]
			return reqs, nil
		}
		return nil, errors.WithMessage(errors.ErrNotFound, "Friend request not found")
	})
	if err != nil {
		return models.FriendRequest{}, err
	}

	for _, id := range []string{accepted.FromUserID, accepted.ToUserID} {
		s.users.AddToStats(ctx, id, func(st *models.Stats) {
			st.FriendsCount++
			st.TotalFriends++
		})
	}

	if s.notifier != nil {
		if recipient, ok := s.users.FindUserByID(ctx, accepted.ToUserID); ok {
			s.notifier.Notify("Friend request accepted", recipient.Nickname+" accepted your request", "friend_accepted")
		}
	}
	return accepted, nil
}

// RejectRequest flips a pending request to rejected. The tombstone stays
// until the cleanup sweep so the pair cannot immediately retry.
func (s *FriendService) RejectRequest(ctx context.Context, requestID, userID string) error {
	return s.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		for i, r := range reqs {
			if r.ID != requestID {
				continue
			}
			if r.ToUserID != userID {
				return nil, errors.WithMessage(errors.ErrUnauthorized, "Only the recipient can reject a request")
			}
			if r.Status != models.RequestPending {
				return nil, errors.WithMessage(errors.ErrInvalidInput, "Request is not pending")
			}
			reqs[i].Status = models.RequestRejected
			reqs[i].RejectedAt = s.now().UnixMilli()
			return reqs, nil
		}
		return nil, errors.WithMessage(errors.ErrNotFound, "Friend request not found")
	})
}

// RemoveFriend deletes the accepted edge between two users and walks their
// friend counters back down.
func (s *FriendService) RemoveFriend(ctx context.Context, userID, friendID string) error {
	removed := false
	err := s.requests.Mutate(ctx, func(reqs []models.FriendRequest) ([]models.FriendRequest, error) {
		kept := reqs[:0]
		for _, r := range reqs {
			if r.Status == models.RequestAccepted && r.Between(userID, friendID) {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		if !removed {
			return nil, errors.WithMessage(errors.ErrNotFound, "Friendship not found")
		}
		return kept, nil
	})
	if err != nil {
		return err
	}

	for _, id := range []string{userID, friendID} {
		s.users.AddToStats(ctx, id, func(st *models.Stats) {
			if st.FriendsCount > 0 {
				st.FriendsCount--
			}
		})
	}
	return nil
}

// GetFriendsOf resolves the accepted edges of one user into accounts.
func (s *FriendService) GetFriendsOf(ctx context.Context, userID string) []models.Account {
	reqs, _ := s.requests.Load(ctx)
	var friends []models.Account
	for _, r := range reqs {
		if r.Status != models.RequestAccepted || !r.Touches(userID) {
			continue
		}
		otherID := r.FromUserID
		if otherID == userID {
			otherID = r.ToUserID
		}
		if friend, ok := s.users.FindUserByID(ctx, otherID); ok {
			friends = append(friends, friend)
		}
	}
	return friends
}

// GetIncomingRequests returns pending requests addressed to the user.
func (s *FriendService) GetIncomingRequests(ctx context.Context, userID string) []models.FriendRequest {
	reqs, _ := s.requests.Load(ctx)
	var incoming []models.FriendRequest
	for _, r := range reqs {
		if r.Status == models.RequestPending && r.ToUserID == userID {
			incoming = append(incoming, r)
		}
	}
	return incoming
}

// GetOutgoingRequests returns pending requests the user has sent.
func (s *FriendService) GetOutgoingRequests(ctx context.Context, userID string) []models.FriendRequest {
	reqs, _ := s.requests.Load(ctx)
	var outgoing []models.FriendRequest
	for _, r := range reqs {
		if r.Status == models.RequestPending && r.FromUserID == userID {
			outgoing = append(outgoing, r)
		}
	}
	return outgoing
}

// AreFriends reports whether an accepted edge connects the pair.
func (s *FriendService) AreFriends(ctx context.Context, a, b string) bool {
	reqs, _ := s.requests.Load(ctx)
	for _, r := range reqs {
		if r.Status == models.RequestAccepted && r.Between(a, b) {
			return true
		}
	}
	return false
}

// QRStats is the QR funnel report for one user.
type QRStats struct {
	Generated        int     `json:"generated"`
	Scanned          int     `json:"scanned"`
	RequestsSent     int     `json:"requestsSent"`
	RequestsAccepted int     `json:"requestsAccepted"`
	ConversionRate   float64 `json:"conversionRate"`
}

// GetQRStats aggregates the QR funnel for one user: codes issued, codes
// used, and how many QR-born requests converted into friendships.
func (s *FriendService) GetQRStats(ctx context.Context, userID string) QRStats {
	var stats QRStats

	records, _ := s.qr.Load(ctx)
	for _, rec := range records {
		if rec.UserID != userID {
			continue
		}
		stats.Generated++
		if rec.Used {
			stats.Scanned++
		}
	}

	reqs, _ := s.requests.Load(ctx)
	for _, r := range reqs {
		if !r.Metadata.ViaQR || !r.Touches(userID) {
			continue
		}
		stats.RequestsSent++
		if r.Status == models.RequestAccepted {
			stats.RequestsAccepted++
		}
	}
	if stats.RequestsSent > 0 {
		stats.ConversionRate = float64(stats.RequestsAccepted) / float64(stats.RequestsSent)
	}
	return stats
}

func (s *FriendService) logTaskFailure(op string, err error) {
	if err != nil {
		log.Printf("Deferred %s failed: %v", op, err)
	}
}

package services

import "meshcall/internal/core/domain"

// ShouldInitiate reports whether self sends the offer to peer. The participant
// whose presence was written first initiates; equal or unknown join times
// fall back to the smaller user id. Both sides evaluate the same store data,
// so exactly one of any pair initiates.
func ShouldInitiate(self, peer domain.Participant) bool {
	if !self.JoinedAt.IsZero() && !peer.JoinedAt.IsZero() && !self.JoinedAt.Equal(peer.JoinedAt) {
		return self.JoinedAt.Before(peer.JoinedAt)
	}
	return self.ID < peer.ID
}

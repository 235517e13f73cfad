package domain

import "time"

type UserID string

type Participant struct {
	ID          UserID
	DisplayName string
	PhotoURL    string
	IsMuted     bool
	IsVideoOff  bool
	JoinedAt    time.Time
}

// ParticipantUpdate carries the self-reported flags a participant may change
// after joining. Nil fields are left untouched.
type ParticipantUpdate struct {
	IsMuted    *bool
	IsVideoOff *bool
}

func (u ParticipantUpdate) Empty() bool {
	return u.IsMuted == nil && u.IsVideoOff == nil
}

func (u ParticipantUpdate) Apply(p Participant) Participant {
	if u.IsMuted != nil {
		p.IsMuted = *u.IsMuted
	}
	if u.IsVideoOff != nil {
		p.IsVideoOff = *u.IsVideoOff
	}
	return p
}

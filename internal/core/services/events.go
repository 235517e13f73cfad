package services

import (
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

type EventType string

const (
	EventLocalStream        EventType = "local_stream"
	EventRemoteStream       EventType = "remote_stream"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantUpdated EventType = "participant_updated"
	EventConnectionState    EventType = "connection_state"
	EventPeerState          EventType = "peer_state"
	EventError              EventType = "error"
)

// Event is one notification on CallSession.Events. Only the fields relevant
// to Type are set.
type Event struct {
	Type        EventType
	GroupID     domain.GroupID
	PeerID      domain.UserID
	Participant domain.Participant
	State       domain.CallState
	PeerState   domain.PeerLinkState
	LocalStream ports.LocalStream
	Track       *webrtc.TrackRemote
	Receiver    *webrtc.RTPReceiver
	Err         error
	At          time.Time
}

// eventStream forwards events to a channel in emission order. Emitters never
// block; the channel closes after the last queued event once closed.
type eventStream struct {
	queue *mailbox[Event]
	out   chan Event
}

func newEventStream(buffer int) *eventStream {
	s := &eventStream{
		queue: newMailbox[Event](),
		out:   make(chan Event, buffer),
	}
	go func() {
		defer close(s.out)
		s.queue.Drain(func(e Event) { s.out <- e })
	}()
	return s
}

func (s *eventStream) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.queue.Put(e)
}

func (s *eventStream) close() {
	s.queue.Close(false)
}

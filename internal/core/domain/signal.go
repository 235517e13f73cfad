package domain

import "time"

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalMessage is one inbox document. ID is the document id assigned by the
// store and is empty for outbound messages.
type SignalMessage struct {
	ID        string
	Type      SignalType
	From      UserID
	Payload   map[string]interface{}
	Timestamp time.Time
}

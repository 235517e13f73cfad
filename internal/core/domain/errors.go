package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMediaUnavailable   = errors.New("media unavailable")
	ErrNegotiationFailure = errors.New("negotiation failure")
	ErrTransportFailed    = errors.New("transport failed")
	ErrSignalingDelivery  = errors.New("signaling delivery failed")
	ErrAlreadyInCall      = errors.New("already in call")
	ErrNotInCall          = errors.New("not in call")
	ErrSessionClosed      = errors.New("call session closed")
	ErrSwitchUnsupported  = errors.New("camera switch unsupported")
	ErrInvalidSignal      = errors.New("invalid signal message")
	ErrMeshFull           = errors.New("mesh peer limit reached")
)

// PeerError reports a failure isolated to a single peer link.
type PeerError struct {
	PeerID UserID
	Kind   error
	Cause  error
}

func NewPeerError(peerID UserID, kind, cause error) *PeerError {
	return &PeerError{PeerID: peerID, Kind: kind, Cause: cause}
}

func (e *PeerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("peer %s: %v", e.PeerID, e.Kind)
	}
	return fmt.Sprintf("peer %s: %v: %v", e.PeerID, e.Kind, e.Cause)
}

func (e *PeerError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

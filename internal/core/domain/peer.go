package domain

type PeerLinkState string

const (
	PeerLinkNew         PeerLinkState = "new"
	PeerLinkNegotiating PeerLinkState = "negotiating"
	PeerLinkConnected   PeerLinkState = "connected"
	PeerLinkFailed      PeerLinkState = "failed"
	PeerLinkClosed      PeerLinkState = "closed"
)

type NegotiationRole string

const (
	RoleInitiator NegotiationRole = "initiator"
	RoleAnswerer  NegotiationRole = "answerer"
)

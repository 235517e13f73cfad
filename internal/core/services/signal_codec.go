package services

import (
	"fmt"
	"strings"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"github.com/pion/webrtc/v4"
)

const (
	payloadType             = "type"
	payloadSDP              = "sdp"
	payloadNegotiationID    = "negotiationId"
	payloadCandidate        = "candidate"
	payloadSDPMid           = "sdpMid"
	payloadSDPMLineIndex    = "sdpMLineIndex"
	payloadUsernameFragment = "usernameFragment"
)

func encodeSignal(msg domain.SignalMessage) map[string]interface{} {
	return map[string]interface{}{
		fieldType:      string(msg.Type),
		fieldFrom:      string(msg.From),
		fieldPayload:   msg.Payload,
		fieldTimestamp: ports.ServerTimestamp,
	}
}

func decodeSignal(doc ports.Document) (domain.SignalMessage, error) {
	msg := domain.SignalMessage{ID: doc.ID}

	t, _ := doc.Data[fieldType].(string)
	msg.Type = domain.SignalType(t)
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidSignal, t)
	}
	from, _ := doc.Data[fieldFrom].(string)
	if from == "" {
		return msg, fmt.Errorf("%w: missing sender", domain.ErrInvalidSignal)
	}
	msg.From = domain.UserID(from)

	payload, ok := doc.Data[fieldPayload].(map[string]interface{})
	if !ok {
		return msg, fmt.Errorf("%w: payload is not an object", domain.ErrInvalidSignal)
	}
	msg.Payload = payload

	if ts, ok := utils.AsTime(doc.Data[fieldTimestamp]); ok {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = doc.CreateTime
	}
	return msg, nil
}

func descriptionPayload(desc webrtc.SessionDescription, negotiationID string) map[string]interface{} {
	return map[string]interface{}{
		payloadType:          desc.Type.String(),
		payloadSDP:           desc.SDP,
		payloadNegotiationID: negotiationID,
	}
}

func decodeDescription(payload map[string]interface{}) (webrtc.SessionDescription, string, error) {
	raw, _ := payload[payloadType].(string)
	sdpType := webrtc.NewSDPType(strings.ToLower(raw))
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, "", fmt.Errorf("%w: sdp type %q", domain.ErrInvalidSignal, raw)
	}
	sdp, _ := payload[payloadSDP].(string)
	if sdp == "" {
		return webrtc.SessionDescription{}, "", fmt.Errorf("%w: empty sdp", domain.ErrInvalidSignal)
	}
	negotiationID, _ := payload[payloadNegotiationID].(string)
	return webrtc.SessionDescription{Type: sdpType, SDP: sdp}, negotiationID, nil
}

func candidatePayload(c webrtc.ICECandidateInit, negotiationID string) map[string]interface{} {
	payload := map[string]interface{}{
		payloadCandidate:     c.Candidate,
		payloadNegotiationID: negotiationID,
	}
	if c.SDPMid != nil {
		payload[payloadSDPMid] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		payload[payloadSDPMLineIndex] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		payload[payloadUsernameFragment] = *c.UsernameFragment
	}
	return payload
}

func decodeCandidate(payload map[string]interface{}) (webrtc.ICECandidateInit, string, error) {
	var c webrtc.ICECandidateInit
	candidate, ok := payload[payloadCandidate].(string)
	if !ok {
		return c, "", fmt.Errorf("%w: missing candidate", domain.ErrInvalidSignal)
	}
	c.Candidate = candidate

	if mid, ok := payload[payloadSDPMid].(string); ok {
		c.SDPMid = &mid
	}
	if index, ok := asLineIndex(payload[payloadSDPMLineIndex]); ok {
		c.SDPMLineIndex = &index
	}
	if ufrag, ok := payload[payloadUsernameFragment].(string); ok && ufrag != "" {
		c.UsernameFragment = &ufrag
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return c, "", fmt.Errorf("%w: candidate without sdpMid or sdpMLineIndex", domain.ErrInvalidSignal)
	}
	negotiationID, _ := payload[payloadNegotiationID].(string)
	return c, negotiationID, nil
}

// Stores hand numbers back as whatever their codec prefers.
func asLineIndex(v interface{}) (uint16, bool) {
	var n float64
	switch x := v.(type) {
	case int:
		n = float64(x)
	case int32:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint16:
		return x, true
	case float64:
		n = x
	default:
		return 0, false
	}
	if n < 0 || n > 65535 || n != float64(int(n)) {
		return 0, false
	}
	return uint16(n), true
}

func candidateKey(c webrtc.ICECandidateInit) string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	b.WriteByte('|')
	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}
	b.WriteByte('|')
	if c.SDPMLineIndex != nil {
		fmt.Fprintf(&b, "%d", *c.SDPMLineIndex)
	}
	return b.String()
}

package services

import (
	"meshcall/internal/core/domain"
	"meshcall/pkg/utils"
)

// Store layout shared with every other client of the group:
//
//	groups/{group}/calls/active/participants/{user}
//	groups/{group}/calls/active/signaling/{user}/messages/{auto}
const (
	fieldID          = "id"
	fieldDisplayName = "displayName"
	fieldPhotoURL    = "photoURL"
	fieldIsMuted     = "isMuted"
	fieldIsVideoOff  = "isVideoOff"
	fieldJoinedAt    = "joinedAt"

	fieldType      = "type"
	fieldFrom      = "from"
	fieldPayload   = "payload"
	fieldTimestamp = "timestamp"
)

func activeCallPath(groupID domain.GroupID) string {
	return utils.JoinPath("groups", string(groupID), "calls", "active")
}

func participantsCollection(groupID domain.GroupID) string {
	return utils.JoinPath(activeCallPath(groupID), "participants")
}

func participantPath(groupID domain.GroupID, userID domain.UserID) string {
	return utils.JoinPath(participantsCollection(groupID), string(userID))
}

func inboxCollection(groupID domain.GroupID, userID domain.UserID) string {
	return utils.JoinPath(activeCallPath(groupID), "signaling", string(userID), "messages")
}

func inboxMessagePath(groupID domain.GroupID, userID domain.UserID, messageID string) string {
	return utils.JoinPath(inboxCollection(groupID, userID), messageID)
}

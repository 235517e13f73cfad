package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewAutoID returns a 32 character hex id suitable as a document id.
func NewAutoID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewNegotiationID() string {
	return uuid.NewString()
}

// GenerateID returns prefix_<autoid>.
func GenerateID(prefix string) string {
	return prefix + "_" + NewAutoID()
}

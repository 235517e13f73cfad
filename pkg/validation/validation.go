// Package validation checks the identifiers and profile fields that end up
// in document paths and presence documents.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength          = 128
	MaxDisplayNameLength = 100
	MaxPhotoURLLength    = 2048
)

// Document ids may not contain a slash and must not be "." or "..";
// anything else that is printable ASCII without spaces is accepted.
var IDRegex = regexp.MustCompile(`^[A-Za-z0-9._:@+\-]+$`)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%s %q is not a valid document id", kind, id)
	}
	if strings.HasPrefix(id, "__") && strings.HasSuffix(id, "__") {
		return fmt.Errorf("%s %q is reserved", kind, id)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (letters, digits and . _ : @ + - allowed)", kind)
	}
	return nil
}

func ValidateUserID(id string) error {
	return validateID("user id", id)
}

func ValidateGroupID(id string) error {
	return validateID("group id", id)
}

// ValidateDisplayName allows an empty name.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

// ValidatePhotoURL allows an empty URL; otherwise it must be absolute http
// or https.
func ValidatePhotoURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > MaxPhotoURLLength {
		return fmt.Errorf("photo url is too long (max %d characters)", MaxPhotoURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid photo url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("photo url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("photo url must have a host")
	}
	return nil
}

// ValidateProfile checks everything a participant publishes about itself.
func ValidateProfile(userID, displayName, photoURL string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if err := ValidateDisplayName(displayName); err != nil {
		return err
	}
	return ValidatePhotoURL(photoURL)
}

// Package profile validates and normalizes peer profile inputs.
package profile

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

const (
	maxDisplayNameLength = 64
	maxFullNameLength    = 128
)

// Normalize validates and trims a peer-supplied profile. The display name
// becomes the base for local display-name allocation, so it must be a
// printable single-line value.
func Normalize(p storage.Profile) (storage.Profile, error) {
	displayName := strings.TrimSpace(p.DisplayName)
	if displayName == "" {
		return storage.Profile{}, fmt.Errorf("display name is required")
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return storage.Profile{}, fmt.Errorf("display name must be at most %d characters", maxDisplayNameLength)
	}
	for _, r := range displayName {
		if unicode.IsControl(r) {
			return storage.Profile{}, fmt.Errorf("display name must not contain control characters")
		}
	}

	fullName := strings.TrimSpace(p.FullName)
	if utf8.RuneCountInString(fullName) > maxFullNameLength {
		return storage.Profile{}, fmt.Errorf("full name must be at most %d characters", maxFullNameLength)
	}

	return storage.Profile{DisplayName: displayName, FullName: fullName}, nil
}

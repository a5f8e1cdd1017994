package idgen

import (
	"fmt"
	"regexp"
)

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateSessionID checks that id is a usable session ID, whether the peer
// chose it or the server assigned it with New. Rules: lowercase letters,
// digits, and dashes; must start and end with a letter or digit; max 64
// characters.
func ValidateSessionID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("session id too long (max 64 characters)")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q is invalid: must match %s", id, sessionIDPattern.String())
	}
	return nil
}

package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under the state root and appear in
// lock and log file paths, so the charset is kept conservative.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a session identifier:
// lowercase alphanumerics, underscore and hyphen, at most 64 characters.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

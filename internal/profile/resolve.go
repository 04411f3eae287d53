package profile

import (
	"fmt"
	"regexp"
)

// DefaultName is used when neither a flag nor the config names a profile.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve picks the active profile: the flag value, then the config default,
// then DefaultName. The result is validated.
func Resolve(flagValue, configDefault string) (string, error) {
	name := DefaultName
	switch {
	case flagValue != "":
		name = flagValue
	case configDefault != "":
		name = configDefault
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

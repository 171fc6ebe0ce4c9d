package delivery

import (
	"errors"
	"fmt"
)

// ErrChatBusy is returned when an answer-safe submission finds another
// delivery already active for the same chat.
var ErrChatBusy = errors.New("chat already has an active delivery")

// ErrSessionExpired marks a session cancelled by the registry janitor for
// outliving its maximum age.
var ErrSessionExpired = errors.New("delivery session expired")

// ConfigError wraps an invalid splitting or pacing configuration detected
// while building a plan. The submission is rejected before any side effect.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("delivery config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type errUnknownProfile string

func (e errUnknownProfile) Error() string {
	return fmt.Sprintf("unknown delivery profile %q", string(e))
}

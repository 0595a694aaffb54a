package chat

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/moderation"
)

const (
	MaxMessageBytes = 16 * 1024                  // raw payload limit, before sanitizing
	MaxTextChars    = moderation.MaxMessageChars // stored character limit
	MaxTitleChars   = 120
)

// idPattern matches chat and message ids. Ids are single key segments and
// NATS subject tokens, so separators and wildcards are excluded.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects ids that cannot be used as a single key segment. field
// names the id in the error.
func ValidateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return apperr.New(apperr.ValidationFailed, "invalid "+field)
	}
	return nil
}

// ValidateRaw rejects payloads that are too large to be worth sanitizing.
func ValidateRaw(raw string) error {
	if len(raw) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	return nil
}

// ValidateMessage checks that sanitized chat text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return errors.New("message text is empty")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return errors.New("message contains invalid UTF-8")
	}
	return nil
}

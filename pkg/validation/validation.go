package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxChannelNameLength = 64
	maxStreamIDLength    = 100
)

var (
	// ChannelNameRegex accepts letters, digits, space and a small
	// punctuation set.
	ChannelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9 !#$%&()+\-:;<=.>?@\[\]^_{}|~,]+$`)

	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// FieldError names the field that failed and why. Its message reads as
// "<field> <problem>".
type FieldError struct {
	Field   string
	Problem string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Problem
}

func invalid(field, format string, args ...interface{}) error {
	return &FieldError{Field: field, Problem: fmt.Sprintf(format, args...)}
}

func ValidateChannelName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("channel name", "is required")
	case len(name) > maxChannelNameLength:
		return invalid("channel name", "is too long (max %d characters)", maxChannelNameLength)
	case !ChannelNameRegex.MatchString(name):
		return invalid("channel name", "contains invalid characters")
	}
	return nil
}

func ValidateStreamID(streamID string) error {
	switch {
	case streamID == "":
		return invalid("stream ID", "is required")
	case len(streamID) > maxStreamIDLength:
		return invalid("stream ID", "is too long (max %d characters)", maxStreamIDLength)
	case !StreamIDRegex.MatchString(streamID):
		return invalid("stream ID", "has an invalid format")
	}
	return nil
}

// ValidateCaptureSource accepts the screen share sources a capture
// backend can be asked for.
func ValidateCaptureSource(source string) error {
	switch source {
	case "screen", "window", "application":
		return nil
	}
	return invalid("capture source", "must be screen, window or application, got %q", source)
}

// ValidateURL accepts absolute http(s) and ws(s) URLs
func ValidateURL(raw string) error {
	if raw == "" {
		return invalid("URL", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("URL", "is malformed: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return invalid("URL", "must use http, https, ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("URL", "must have a host")
	}
	return nil
}

// ValidateICEURL accepts stun:, stuns:, turn: and turns: server URLs
func ValidateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("ICE server URL", "is malformed: %v", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return invalid("ICE server URL", "must use stun, stuns, turn or turns, got %q", u.Scheme)
	}
	if u.Opaque == "" {
		return invalid("ICE server URL", "must name a host")
	}
	return nil
}

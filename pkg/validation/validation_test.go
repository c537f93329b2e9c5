package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChannelName(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantErr string
	}{
		{"simple", "Test", ""},
		{"with space", "daily standup", ""},
		{"screen share", "ScreenShare", ""},
		{"empty", "", "channel name is required"},
		{"blank", "   ", "channel name is required"},
		{"too long", strings.Repeat("a", 65), "channel name is too long (max 64 characters)"},
		{"invalid chars", "room/1", "channel name contains invalid characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelName(tt.channel)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestValidateStreamID(t *testing.T) {
	assert.NoError(t, ValidateStreamID("7"))
	assert.NoError(t, ValidateStreamID("42-screen"))
	assert.Error(t, ValidateStreamID(""))
	assert.Error(t, ValidateStreamID(strings.Repeat("a", 101)))
	assert.Error(t, ValidateStreamID("stream 1"))
}

func TestValidateCaptureSource(t *testing.T) {
	for _, source := range []string{"screen", "window", "application"} {
		assert.NoError(t, ValidateCaptureSource(source))
	}

	err := ValidateCaptureSource("tab")
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "capture source", fieldErr.Field)
	assert.Contains(t, err.Error(), `"tab"`)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8081/ws", false},
		{"wss://signal.example.com/ws", false},
		{"http://localhost:14268/api/traces", false},
		{"", true},
		{"ftp://example.com", true},
		{"ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateURL(%q) = %v", tt.url, err)
		})
	}
}

func TestValidateICEURL(t *testing.T) {
	assert.NoError(t, ValidateICEURL("stun:stun.l.google.com:19302"))
	assert.NoError(t, ValidateICEURL("turn:turn.example.com:3478?transport=udp"))
	assert.Error(t, ValidateICEURL("http://stun.example.com"))
	assert.Error(t, ValidateICEURL("stun:"))
}

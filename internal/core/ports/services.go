package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// CredentialSource supplies join credentials for a channel
type CredentialSource interface {
	Credentials(ctx context.Context, channel string) (domain.Credentials, error)
}

// CredentialSourceFunc adapts a function to CredentialSource
type CredentialSourceFunc func(ctx context.Context, channel string) (domain.Credentials, error)

func (f CredentialSourceFunc) Credentials(ctx context.Context, channel string) (domain.Credentials, error) {
	return f(ctx, channel)
}

type StartConfig struct {
	ChannelName       string
	ScreenChannelName string
	Credentials       CredentialSource
	InitialToggles    domain.ToggleState
	CaptureSource     string
}

// CoordinatorStatus is a point-in-time view of the coordinator
type CoordinatorStatus struct {
	Phase   string          `json:"phase"`
	Primary *domain.Session `json:"primary,omitempty"`
	Screen  *domain.Session `json:"screen,omitempty"`
}

type CallCoordinator interface {
	Start(ctx context.Context, cfg StartConfig) error
	Stop(ctx context.Context) error
	ToggleVideo(ctx context.Context) (domain.ToggleState, error)
	ToggleAudio(ctx context.Context) (domain.ToggleState, error)
	ToggleScreenShare(ctx context.Context) (domain.ToggleState, error)
	Roster() []domain.StreamInfo
	ToggleState() domain.ToggleState
	Status() CoordinatorStatus
}

type TokenService interface {
	IssueToken(channel string, uid domain.UID) (string, error)
	ValidateToken(token string) (*domain.TokenClaims, error)
}

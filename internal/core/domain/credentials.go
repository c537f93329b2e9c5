package domain

// Credentials authorize one join. UID is the preferred uid; the provider may
// assign a different one.
type Credentials struct {
	Token       string `json:"token"`
	ChannelName string `json:"channel_name"`
	UID         UID    `json:"uid"`
}

// TokenClaims is what a validated join token vouches for
type TokenClaims struct {
	ChannelName string
	UID         UID
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the JWT claims of a channel join token
type Claims struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	jwt.RegisteredClaims
}

type tokenService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewTokenService issues and validates HS256 channel join tokens
func NewTokenService(jwtSecret string, tokenTTL time.Duration) ports.TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *tokenService) IssueToken(channel string, uid domain.UID) (string, error) {
	now := s.now()
	claims := &Claims{
		Channel: channel,
		UID:     uint32(uid),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*domain.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &domain.TokenClaims{
			ChannelName: claims.Channel,
			UID:         domain.UID(claims.UID),
		}, nil
	}

	return nil, ErrInvalidToken
}

// NewTokenCredentialSource mints a fresh token for every requested channel.
// preferredUID is passed through to the join; zero lets the provider pick.
func NewTokenCredentialSource(tokens ports.TokenService, preferredUID domain.UID) ports.CredentialSource {
	return ports.CredentialSourceFunc(func(ctx context.Context, channel string) (domain.Credentials, error) {
		if err := ctx.Err(); err != nil {
			return domain.Credentials{}, err
		}
		token, err := tokens.IssueToken(channel, preferredUID)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("failed to issue token for %s: %w", channel, err)
		}
		return domain.Credentials{
			Token:       token,
			ChannelName: channel,
			UID:         preferredUID,
		}, nil
	})
}

// StaticCredentials returns the same credentials for any channel, with the
// channel name filled in. Useful when tokens are disabled.
func StaticCredentials(token string, uid domain.UID) ports.CredentialSource {
	return ports.CredentialSourceFunc(func(ctx context.Context, channel string) (domain.Credentials, error) {
		return domain.Credentials{Token: token, ChannelName: channel, UID: uid}, nil
	})
}

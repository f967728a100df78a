// Package collab holds the clients of the gateway's external collaborators:
// token verification, the preference cache, the AI command processor, voice
// synthesis and the calendar service.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicegate/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("jwt secret not configured")
	ErrRefreshToken = errors.New("refresh tokens cannot open a connection")
)

type tokenClaims struct {
	Type string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 access tokens and yields their subject.
type JWTVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), opts: opts}
}

func (v *JWTVerifier) Verify(_ context.Context, raw string) (domain.UserID, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Type == "refresh" {
		return "", ErrRefreshToken
	}
	user, err := domain.ParseUserID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("token subject: %w", err)
	}
	return user, nil
}

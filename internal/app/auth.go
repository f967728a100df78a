package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/voicegate/internal/core"
	"github.com/dkeye/voicegate/internal/domain"
)

// ClaimContextKey is where the HTTP layer leaves the session identity claim
// for the transports.
const ClaimContextKey = "session_user"

// Credentials are whatever the client presented at connect time. Claim is
// an identity the server already trusts (a signed session cookie).
type Credentials struct {
	Token string
	Claim string
}

func (c Credentials) Empty() bool {
	return c.Token == "" && c.Claim == ""
}

// CredentialsFromRequest reads a bearer token from the Authorization
// header, falling back to the token query parameter.
func CredentialsFromRequest(r *http.Request) Credentials {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return Credentials{Token: strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))}
	}
	return Credentials{Token: r.URL.Query().Get("token")}
}

// AuthGate turns connect-time credentials into a verified user.
type AuthGate struct {
	verifier core.TokenVerifier
}

func NewAuthGate(v core.TokenVerifier) *AuthGate {
	return &AuthGate{verifier: v}
}

// Authenticate never retries; every failure is core.ErrUnauthenticated.
// A token, when present, wins over a claim.
func (g *AuthGate) Authenticate(ctx context.Context, cr Credentials) (domain.UserID, error) {
	if cr.Token != "" {
		if g.verifier == nil {
			return "", fmt.Errorf("%w: no token verifier", core.ErrUnauthenticated)
		}
		user, err := g.verifier.Verify(ctx, cr.Token)
		if err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
		}
		return user, nil
	}
	if cr.Claim != "" {
		user, err := domain.ParseUserID(cr.Claim)
		if err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
		}
		return user, nil
	}
	return "", fmt.Errorf("%w: no credentials", core.ErrUnauthenticated)
}

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/Tyrowin/campuschat/internal/chat"
)

// Credential is what the client presented during the handshake. Explicit is
// the token from the Authorization header or the token query parameter;
// Cookie is the token cookie. Explicit wins when both are set.
type Credential struct {
	Explicit string
	Cookie   string
}

// Token returns the credential to validate.
func (c Credential) Token() string {
	if t := strings.TrimSpace(c.Explicit); t != "" {
		return t
	}
	return strings.TrimSpace(c.Cookie)
}

// Authenticator resolves credentials to identities.
type Authenticator struct {
	tokens     *TokenService
	identities chat.IdentitySource
	logger     *slog.Logger
}

// NewAuthenticator creates an authenticator backed by tokens and identities.
func NewAuthenticator(tokens *TokenService, identities chat.IdentitySource, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		tokens:     tokens,
		identities: identities,
		logger:     logger,
	}
}

// Authenticate validates cred and loads the identity it names. All failures
// are chat auth errors; a user without a college is not a failure.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credential) (chat.Identity, error) {
	token := cred.Token()
	if token == "" {
		return chat.Identity{}, chat.ErrNoCredential
	}

	claims, err := a.tokens.ValidateAccessToken(token)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return chat.Identity{}, chat.ErrTokenExpired
	case err != nil:
		return chat.Identity{}, chat.ErrInvalidToken
	}

	identity, err := a.identities.LookupIdentity(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return chat.Identity{}, chat.ErrIdentityNotFound
		}
		a.logger.Error("Identity lookup failed", "user_id", claims.UserID, "error", err)
		return chat.Identity{}, chat.ErrIdentityNotFound.Wrap(err)
	}

	return identity, nil
}

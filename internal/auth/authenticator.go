package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotConfigured   = errors.New("auth: no verifier or secret configured")
	ErrMalformedHeader = errors.New("auth: invalid authorization header")
	ErrMissingSubject  = errors.New("auth: token has no subject")
)

// Identity is the caller a bearer token proves.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator checks bearer tokens against the OIDC verifier first and the
// legacy HMAC secret second. Either may be absent.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMalformedHeader
	}
	return strings.TrimSpace(token), nil
}

// Authenticate validates token and returns the caller.
func (a *Authenticator) Authenticate(token string) (*Identity, error) {
	if a.verifier != nil {
		claims, err := a.verifier.Validate(token)
		if err == nil {
			return identity(claims.UserID, claims.Email, claims.Name)
		}
		if a.jwtSecret == "" {
			return nil, err
		}
	}

	if a.jwtSecret != "" {
		claims, err := ValidateLegacyToken(token, a.jwtSecret)
		if err != nil {
			return nil, err
		}
		return identity(claims.UserID, claims.Email, "")
	}
	return nil, ErrNotConfigured
}

func identity(userID, email, name string) (*Identity, error) {
	if userID == "" {
		return nil, ErrMissingSubject
	}
	return &Identity{UserID: userID, Email: email, Name: name}, nil
}

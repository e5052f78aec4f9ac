package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"parley/internal/apperr"
	"parley/internal/content"
)

const DefaultTokenExpiry = 12 * time.Hour

// Claims carried by access tokens. Older issuers put the user id into sub.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

// Verifier checks HS256 access tokens and keeps a local list of revoked
// tokens until they would have expired anyway.
type Verifier struct {
	Config
	revoked geche.Geche[string, string]
	parser  *jwt.Parser
	now     func() time.Time
}

func NewVerifier(ctx context.Context, config Config) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	v := &Verifier{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Issue signs a token for the user. It backs the admin token endpoint and
// tests; production tokens usually come from the identity provider.
func (v *Verifier) Issue(userID string) (string, time.Time, error) {
	if err := content.ValidateID(userID); err != nil {
		return "", time.Time{}, apperr.Validation("invalid user id: %v", err)
	}
	now := v.now()
	expires := now.Add(v.TokenExpiry)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// Verify returns the user id the token was issued to.
func (v *Verifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.Authentication("authentication required")
	}
	if _, err := v.revoked.Get(token); err == nil {
		return "", apperr.Authentication("token revoked")
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		slog.Debug("token rejected", "error", err)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Authentication("token expired")
		}
		return "", apperr.Authentication("invalid token")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if err := content.ValidateID(userID); err != nil {
		return "", apperr.Authentication("invalid token")
	}
	return userID, nil
}

// Revoke rejects the token from now on. Connections already opened with it
// are not touched.
func (v *Verifier) Revoke(token string) error {
	if token == "" {
		return apperr.Validation("token is required")
	}
	v.revoked.Set(token, "")
	return nil
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parley/internal/apperr"
)

func TestVerifier(t *testing.T) {
	const secret = "server-secret"

	createVerifier := func(t *testing.T) (*Verifier, *time.Time) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		v, err := NewVerifier(ctx, Config{Secret: secret, TokenExpiry: time.Hour})
		if err != nil {
			t.Fatalf("Failed to create verifier: %v", err)
		}

		currentTime := time.Unix(1700000000, 0)
		v.now = func() time.Time {
			return currentTime
		}
		return v, &currentTime
	}

	sign := func(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		return token
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		v, now := createVerifier(t)

		token, expires, err := v.Issue("alice")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if !expires.Equal(now.Add(time.Hour)) {
			t.Errorf("unexpected expiry %v", expires)
		}

		userID, err := v.Verify(context.Background(), token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if userID != "alice" {
			t.Errorf("expected alice, got %s", userID)
		}
	})

	t.Run("SubjectFallback", func(t *testing.T) {
		v, now := createVerifier(t)
		token := sign(t, jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}, jwt.SigningMethodHS256, []byte(secret))

		userID, err := v.Verify(context.Background(), token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if userID != "bob" {
			t.Errorf("expected bob, got %s", userID)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		v, now := createVerifier(t)
		token, _, err := v.Issue("alice")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Errorf("expected unauthenticated, got %v", err)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		v, now := createVerifier(t)
		exp := jwt.NewNumericDate(now.Add(time.Minute))

		tests := []struct {
			name  string
			token string
		}{
			{"empty", ""},
			{"garbage", "not-a-token"},
			{"wrong secret", sign(t, Claims{UserID: "alice", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, jwt.SigningMethodHS256, []byte("other"))},
			{"wrong method", sign(t, Claims{UserID: "alice", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, jwt.SigningMethodHS512, []byte(secret))},
			{"no expiry", sign(t, Claims{UserID: "alice"}, jwt.SigningMethodHS256, []byte(secret))},
			{"no user", sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, jwt.SigningMethodHS256, []byte(secret))},
			{"unsafe user id", sign(t, Claims{UserID: "a:b", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, jwt.SigningMethodHS256, []byte(secret))},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, apperr.ErrUnauthenticated) {
					t.Errorf("expected unauthenticated, got %v", err)
				}
			})
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		v, _ := createVerifier(t)
		token, _, err := v.Issue("alice")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}

		if err := v.Revoke(token); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Errorf("expected revoked token to fail, got %v", err)
		}

		if err := v.Revoke(""); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("Config", func(t *testing.T) {
		if _, err := NewVerifier(context.Background(), Config{}); err == nil {
			t.Error("expected error for missing secret")
		}

		cfg := Config{Secret: "s"}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if cfg.TokenExpiry != DefaultTokenExpiry {
			t.Errorf("expected default expiry, got %v", cfg.TokenExpiry)
		}
	})
}

package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor identifies who is making a decision-bearing call. Decision-bearing
// operations (approve, reject, standing-rule create/revoke) require an
// authenticated human actor; non-human actor contexts are rejected with
// an explicit machine-readable error.
type Actor struct {
	Subject string
	Human   bool
}

// ErrNonHumanActor is returned when a decision-bearing operation is
// attempted by a non-human actor context.
var ErrNonHumanActor = errors.New("approval: decision requires an authenticated human actor")

// actorClaims is the JWT claim shape a human-actor bearer token carries.
type actorClaims struct {
	jwt.RegisteredClaims
	Human bool `json:"human"`
}

// TokenVerifier verifies a signed human-actor bearer token and extracts
// the Actor it asserts.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier for HMAC-signed actor tokens.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses and validates token, returning the asserted Actor.
func (v *TokenVerifier) Verify(tokenString string) (Actor, error) {
	var claims actorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("approval: invalid actor token: %w", err)
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("approval: invalid actor token")
	}
	return Actor{Subject: claims.Subject, Human: claims.Human}, nil
}

// Issue mints a signed actor token, used by tests and by the CLI's
// local-operator bootstrap flow.
func (v *TokenVerifier) Issue(subject string, human bool, ttl time.Duration) (string, error) {
	claims := actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Human: human,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// RequireHuman rejects non-human actor contexts: every decision-bearing
// approval operation requires an authenticated human.
func RequireHuman(actor Actor) error {
	if !actor.Human {
		return ErrNonHumanActor
	}
	return nil
}

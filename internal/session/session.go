// Package session resolves the user field sent by clients into an
// ir.Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viccon/sturdyc"

	"github.com/roach88/livesync/internal/ir"
)

// ErrUnauthenticated is returned when a user token cannot be verified.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns the client-supplied user value into a session.
type Resolver interface {
	Resolve(ctx context.Context, user string) (ir.Session, error)
}

// Trusting uses the user value verbatim. Suitable for development and for
// deployments where a proxy has already authenticated the caller.
type Trusting struct{}

// Resolve implements Resolver.
func (Trusting) Resolve(_ context.Context, user string) (ir.Session, error) {
	return ir.Session{User: user}, nil
}

// JWT verifies an HS256 token and uses its subject as the user. Verified
// tokens are cached for the configured TTL; a cached token is still rejected
// once its own expiry has passed.
type JWT struct {
	secret []byte
	parser *jwt.Parser
	cache  *sturdyc.Client[verified]
	now    func() time.Time
}

type verified struct {
	session ir.Session
	expires time.Time
}

const (
	cacheCapacity           = 10000
	cacheShards             = 10
	cacheEvictionPercentage = 10
)

// NewJWT creates a resolver verifying tokens signed with secret.
func NewJWT(secret []byte, ttl time.Duration) *JWT {
	r := &JWT{
		secret: secret,
		cache:  sturdyc.New[verified](cacheCapacity, cacheShards, ttl, cacheEvictionPercentage),
		now:    time.Now,
	}
	r.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return r.now() }),
	)
	return r
}

// Resolve implements Resolver.
func (r *JWT) Resolve(ctx context.Context, token string) (ir.Session, error) {
	if token == "" {
		return ir.Session{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	v, err := r.cache.GetOrFetch(ctx, token, func(ctx context.Context) (verified, error) {
		return r.verify(token)
	})
	if err != nil {
		return ir.Session{}, err
	}
	if !v.expires.IsZero() && !r.now().Before(v.expires) {
		r.cache.Delete(token)
		return ir.Session{}, fmt.Errorf("%w: token is expired", ErrUnauthenticated)
	}
	return v.session, nil
}

func (r *JWT) verify(token string) (verified, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return verified{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return verified{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	v := verified{session: ir.Session{User: claims.Subject}}
	if claims.ExpiresAt != nil {
		v.expires = claims.ExpiresAt.Time
	}
	return v, nil
}

// IssueToken signs an HS256 token for user, valid for ttl.
func IssueToken(secret []byte, user string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// New returns a JWT resolver when secret is set, otherwise Trusting.
func New(secret string, ttl time.Duration) Resolver {
	if secret == "" {
		return Trusting{}
	}
	return NewJWT([]byte(secret), ttl)
}

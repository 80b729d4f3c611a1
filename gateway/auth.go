package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"marketsignal/signal"
)

// TokenVerifier resolves a handshake credential token to a party identity.
// The session gateway treats the verifier as an external collaborator; the
// JWT implementation below is the deployment default.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierConfig controls JWT validation.
type VerifierConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// JWTVerifier validates HMAC-signed bearer tokens and extracts the subject as
// the party identity.
type JWTVerifier struct {
	cfg    VerifierConfig
	secret []byte
}

// NewJWTVerifier builds a verifier from config. A missing clock skew falls
// back to two minutes.
func NewJWTVerifier(cfg VerifierConfig) *JWTVerifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &JWTVerifier{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	identity, _, err := v.VerifyWithExpiry(ctx, token)
	return identity, err
}

// VerifyWithExpiry verifies the token and additionally reports its expiry
// time as zero when the token carries no exp claim. Caching layers use the
// expiry to bound how long a verification may be reused.
func (v *JWTVerifier) VerifyWithExpiry(_ context.Context, token string) (string, time.Time, error) {
	if strings.TrimSpace(token) == "" {
		return "", time.Time{}, signal.ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(v.cfg.ClockSkew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return "", time.Time{}, fmt.Errorf("%w: %v", signal.ErrInvalidToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject claim required", signal.ErrInvalidToken)
	}
	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	return subject, expiry, nil
}

// CachingVerifier memoises successful verifications for a bounded TTL so a
// reconnect storm does not re-parse the same token repeatedly. Failures are
// never cached.
type CachingVerifier struct {
	inner TokenVerifier
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cachedIdentity
	cap     int
}

type cachedIdentity struct {
	identity string
	deadline time.Time
}

const (
	defaultVerifyCacheTTL = 5 * time.Minute
	defaultVerifyCacheCap = 4096
)

// NewCachingVerifier wraps inner with a TTL cache.
func NewCachingVerifier(inner TokenVerifier, ttl time.Duration) *CachingVerifier {
	if ttl <= 0 {
		ttl = defaultVerifyCacheTTL
	}
	return &CachingVerifier{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedIdentity),
		cap:     defaultVerifyCacheCap,
	}
}

// expiryVerifier is implemented by verifiers that can report the token's own
// expiry alongside the identity.
type expiryVerifier interface {
	VerifyWithExpiry(ctx context.Context, token string) (string, time.Time, error)
}

// Verify implements TokenVerifier.
func (c *CachingVerifier) Verify(ctx context.Context, token string) (string, error) {
	now := c.now()
	c.mu.Lock()
	if entry, ok := c.entries[token]; ok && now.Before(entry.deadline) {
		c.mu.Unlock()
		return entry.identity, nil
	}
	c.mu.Unlock()

	var (
		identity string
		expiry   time.Time
		err      error
	)
	if ev, ok := c.inner.(expiryVerifier); ok {
		identity, expiry, err = ev.VerifyWithExpiry(ctx, token)
	} else {
		identity, err = c.inner.Verify(ctx, token)
	}
	if err != nil {
		return "", err
	}

	// A cached entry must never outlive the token itself.
	deadline := now.Add(c.ttl)
	if !expiry.IsZero() && expiry.Before(deadline) {
		deadline = expiry
	}

	c.mu.Lock()
	if len(c.entries) >= c.cap {
		// Cheap pressure valve: drop everything rather than track LRU order.
		c.entries = make(map[string]cachedIdentity)
	}
	c.entries[token] = cachedIdentity{identity: identity, deadline: deadline}
	c.mu.Unlock()
	return identity, nil
}

// PresenceHook flips the party's online flag as a side effect of connect and
// disconnect. Calls are fire-and-forget; failures are logged, not retried,
// because a subsequent reconnect repairs the flag.
type PresenceHook interface {
	SetOnline(ctx context.Context, identity string, online bool) error
}

// extractToken pulls the credential from the Authorization header or the
// token query parameter. Returns empty when no credential was supplied.
func extractToken(authHeader, queryToken string) string {
	header := strings.TrimSpace(authHeader)
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return header
	}
	return strings.TrimSpace(queryToken)
}

var errNotParticipant = errors.New("sender is not a participant in this event")

package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims accepts the subject as "sub" or the legacy "userId" claim.
type jwtClaims struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies and issues HS256 JWTs with a shared secret.
type JWTProvider struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewJWTProvider returns an HS256 provider. The secret must be at least 16 bytes.
func NewJWTProvider(secret, issuer string, ttl, clockSkew time.Duration) (*JWTProvider, error) {
	if len(secret) < 16 {
		return nil, configErr("identity.NewJWTProvider", "secret too short")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer, ttl: ttl, clockSkew: clockSkew}, nil
}

// Verify implements Provider.
func (p *JWTProvider) Verify(_ context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(p.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	var c jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	uid := NormalizeUserID(c.Subject)
	if uid == "" {
		uid = NormalizeUserID(c.UserID)
	}
	if uid == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{UserID: uid, SessionID: c.SessionID}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// Issue implements Issuer.
func (p *JWTProvider) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(p.ttl)
	c := jwtClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

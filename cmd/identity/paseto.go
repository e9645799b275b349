package identity

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public access tokens carrying uid/sid claims.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
	now       func() time.Time
}

// NewPasetoVerifier builds a verifier from a hex-encoded Ed25519 public key.
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, configErr("identity.NewPasetoVerifier", "bad public key")
	}
	return &PasetoVerifier{
		issuer:    issuer,
		clockSkew: clockSkew,
		public:    pub,
		now:       time.Now,
	}, nil
}

// Verify implements Provider.
func (v *PasetoVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	// Validate slightly in the future so small clock drift does not fail "nbf".
	validNow := v.now().Add(v.clockSkew)

	// Fresh parser per call; rules accumulate otherwise.
	p := paseto.NewParser()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if uid = NormalizeUserID(uid); err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	exp, _ := parsed.GetExpiration()

	return Claims{UserID: uid, SessionID: sid, ExpiresAt: exp}, nil
}

// PasetoIssuer signs PASETO v4.public access tokens.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer builds an issuer from a hex-encoded Ed25519 secret key.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, configErr("identity.NewPasetoIssuer", "bad secret key")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// GeneratePasetoKeyHex returns a fresh Ed25519 keypair as hex (secret, public).
func GeneratePasetoKeyHex() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// PublicKeyHex returns the hex public key matching the signing key.
func (i *PasetoIssuer) PublicKeyHex() string { return i.secret.Public().ExportHex() }

// Issue implements Issuer.
func (i *PasetoIssuer) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(i.secret, nil), exp, nil
}

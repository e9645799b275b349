package identity

import (
	"os"
	"strings"
	"time"
)

// Mode selects the token format accepted by the provider.
type Mode string

const (
	ModeJWT    Mode = "jwt"
	ModePaseto Mode = "paseto"
)

// Config describes how bearer tokens are verified.
type Config struct {
	Mode      Mode
	Issuer    string
	ClockSkew time.Duration
	TokenTTL  time.Duration

	// JWTSecret is the HS256 shared secret (ModeJWT).
	JWTSecret string

	// PasetoPublicKeyHex verifies v4.public tokens (ModePaseto).
	// PasetoSecretKeyHex is optional; when set, the process can also issue tokens.
	PasetoPublicKeyHex string
	PasetoSecretKeyHex string
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeJWT,
		Issuer:    "duet",
		ClockSkew: 30 * time.Second,
		TokenTTL:  15 * time.Minute,
	}
}

// LoadConfigFromEnv loads identity configuration.
//
// Variables:
//   - DUET_AUTH_MODE (jwt|paseto)
//   - DUET_AUTH_ISSUER
//   - DUET_AUTH_CLOCK_SKEW
//   - DUET_AUTH_TOKEN_TTL
//   - DUET_JWT_SECRET
//   - DUET_PASETO_PUBLIC_KEY_HEX
//   - DUET_PASETO_SECRET_KEY_HEX
func LoadConfigFromEnv() (Config, error) {
	const op = "identity.LoadConfigFromEnv"
	cfg := DefaultConfig()

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("DUET_AUTH_MODE"))); v != "" {
		switch Mode(v) {
		case ModeJWT, ModePaseto:
			cfg.Mode = Mode(v)
		default:
			return Config{}, configErr(op, "unknown DUET_AUTH_MODE "+v)
		}
	}
	if v, ok := os.LookupEnv("DUET_AUTH_ISSUER"); ok {
		cfg.Issuer = strings.TrimSpace(v)
	}
	if v := os.Getenv("DUET_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, configErr(op, "bad DUET_AUTH_CLOCK_SKEW")
		}
		cfg.ClockSkew = d
	}
	if v := os.Getenv("DUET_AUTH_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, configErr(op, "bad DUET_AUTH_TOKEN_TTL")
		}
		cfg.TokenTTL = d
	}

	cfg.JWTSecret = os.Getenv("DUET_JWT_SECRET")
	cfg.PasetoPublicKeyHex = strings.TrimSpace(os.Getenv("DUET_PASETO_PUBLIC_KEY_HEX"))
	cfg.PasetoSecretKeyHex = strings.TrimSpace(os.Getenv("DUET_PASETO_SECRET_KEY_HEX"))

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	const op = "identity.Config"
	switch c.Mode {
	case ModeJWT:
		if len(c.JWTSecret) < 16 {
			return configErr(op, "DUET_JWT_SECRET must be at least 16 bytes")
		}
	case ModePaseto:
		if c.PasetoPublicKeyHex == "" && c.PasetoSecretKeyHex == "" {
			return configErr(op, "DUET_PASETO_PUBLIC_KEY_HEX required")
		}
	default:
		return configErr(op, "unknown mode")
	}
	return nil
}

// NewProvider builds the Provider for cfg. The returned Issuer is nil when the
// configuration only carries verification material.
func NewProvider(cfg Config) (Provider, Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.Mode {
	case ModePaseto:
		var iss *PasetoIssuer
		pub := cfg.PasetoPublicKeyHex
		if cfg.PasetoSecretKeyHex != "" {
			var err error
			iss, err = NewPasetoIssuer(cfg.PasetoSecretKeyHex, cfg.Issuer, cfg.TokenTTL)
			if err != nil {
				return nil, nil, err
			}
			if pub == "" {
				pub = iss.PublicKeyHex()
			}
		}
		v, err := NewPasetoVerifier(pub, cfg.Issuer, cfg.ClockSkew)
		if err != nil {
			return nil, nil, err
		}
		if iss == nil {
			return v, nil, nil
		}
		return v, iss, nil

	default:
		p, err := NewJWTProvider(cfg.JWTSecret, cfg.Issuer, cfg.TokenTTL, cfg.ClockSkew)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
}

package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Bearer abc", "abc"},
		{"bearer   abc ", "abc"},
		{"abc", "abc"},
		{"", ""},
		{"  Bearer x.y.z", "x.y.z"},
	}
	for _, tt := range tests {
		if got := BearerToken(tt.in); got != tt.want {
			t.Fatalf("BearerToken(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestJWTProvider_RoundTrip(t *testing.T) {
	p, err := NewJWTProvider("0123456789abcdef0123", "duet", time.Minute, 0)
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}

	tok, _, err := p.Issue("u-1", "s-1", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := p.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "u-1" || c.SessionID != "s-1" {
		t.Fatalf("claims=%+v", c)
	}
}

func TestJWTProvider_Rejects(t *testing.T) {
	p, _ := NewJWTProvider("0123456789abcdef0123", "duet", time.Minute, 0)
	other, _ := NewJWTProvider("another-secret-of-length", "duet", time.Minute, 0)
	wrongIss, _ := NewJWTProvider("0123456789abcdef0123", "someone-else", time.Minute, 0)

	foreign, _, _ := other.Issue("u-1", "", time.Now())
	expired, _, _ := p.Issue("u-1", "", time.Now().Add(-time.Hour))
	badIssuer, _, _ := wrongIss.Issue("u-1", "", time.Now())

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong issuer", badIssuer, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Verify(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
			if !IsInvalidToken(err) {
				t.Fatalf("IsInvalidToken(%v)=false", err)
			}
		})
	}
}

func TestPaseto_RoundTripAndRejects(t *testing.T) {
	secretHex, publicHex := GeneratePasetoKeyHex()

	iss, err := NewPasetoIssuer(secretHex, "duet", time.Minute)
	if err != nil {
		t.Fatalf("NewPasetoIssuer: %v", err)
	}
	v, err := NewPasetoVerifier(publicHex, "duet", time.Second)
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}

	tok, _, _ := iss.Issue("u-9", "s-9", time.Now())
	c, err := v.Verify(context.Background(), tok)
	if err != nil || c.UserID != "u-9" || c.SessionID != "s-9" {
		t.Fatalf("Verify claims=%+v err=%v", c, err)
	}

	expired, _, _ := iss.Issue("u-9", "", time.Now().Add(-time.Hour))
	if _, err := v.Verify(context.Background(), expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err=%v", err)
	}

	otherSecret, _ := GeneratePasetoKeyHex()
	otherIss, _ := NewPasetoIssuer(otherSecret, "duet", time.Minute)
	foreign, _, _ := otherIss.Issue("u-9", "", time.Now())
	if _, err := v.Verify(context.Background(), foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token err=%v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("jwt requires secret", func(t *testing.T) {
		t.Setenv("DUET_AUTH_MODE", "jwt")
		t.Setenv("DUET_JWT_SECRET", "short")
		if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
			t.Fatalf("err=%v want ErrConfig", err)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Setenv("DUET_AUTH_MODE", "saml")
		if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
			t.Fatalf("err=%v want ErrConfig", err)
		}
	})

	t.Run("paseto with secret only issues and verifies", func(t *testing.T) {
		secretHex, _ := GeneratePasetoKeyHex()
		t.Setenv("DUET_AUTH_MODE", "paseto")
		t.Setenv("DUET_PASETO_PUBLIC_KEY_HEX", "")
		t.Setenv("DUET_PASETO_SECRET_KEY_HEX", secretHex)
		t.Setenv("DUET_AUTH_CLOCK_SKEW", "5s")

		cfg, err := LoadConfigFromEnv()
		if err != nil {
			t.Fatalf("LoadConfigFromEnv: %v", err)
		}
		if cfg.ClockSkew != 5*time.Second {
			t.Fatalf("ClockSkew=%v", cfg.ClockSkew)
		}
		p, iss, err := NewProvider(cfg)
		if err != nil || iss == nil {
			t.Fatalf("NewProvider: iss=%v err=%v", iss, err)
		}
		tok, _, _ := iss.Issue("u-2", "", time.Now())
		if c, err := p.Verify(context.Background(), tok); err != nil || c.UserID != "u-2" {
			t.Fatalf("Verify=%+v err=%v", c, err)
		}
	})
}

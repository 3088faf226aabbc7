package hub

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/manlab/manlab/internal/errdefs"
)

func testAuth(t *testing.T, mutate func(*Config)) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := testConfig()
	cfg.PasswordHash = string(hash)
	if mutate != nil {
		mutate(cfg)
	}
	return NewAuthService(cfg)
}

func TestLoginIssuesValidToken(t *testing.T) {
	auth := testAuth(t, nil)

	token, err := auth.Login("hunter2", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	subject, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if subject != "admin" {
		t.Errorf("subject = %q, want admin", subject)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := testAuth(t, nil)
	_, err := auth.Login("wrong", "")
	if !errdefs.IsUnauthorized(err) {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestLoginEnforcesTOTPWhenConfigured(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	auth := testAuth(t, func(c *Config) { c.TOTPSecret = secret })

	if _, err := auth.Login("hunter2", ""); !errdefs.IsUnauthorized(err) {
		t.Errorf("missing code err = %v, want unauthorized", err)
	}
	if _, err := auth.Login("hunter2", "000000"); !errdefs.IsUnauthorized(err) {
		t.Errorf("wrong code err = %v, want unauthorized", err)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if _, err := auth.Login("hunter2", code); err != nil {
		t.Errorf("valid code rejected: %v", err)
	}
}

func TestValidateTokenRejectsForgeries(t *testing.T) {
	auth := testAuth(t, nil)

	if _, err := auth.ValidateToken("not-a-jwt"); !errdefs.IsUnauthorized(err) {
		t.Errorf("garbage token err = %v, want unauthorized", err)
	}

	// Signed with somebody else's key.
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := foreign.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ValidateToken(signed); !errdefs.IsUnauthorized(err) {
		t.Errorf("foreign token err = %v, want unauthorized", err)
	}

	// Unsigned token must fail the algorithm check.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := auth.ValidateToken(unsigned); !errdefs.IsUnauthorized(err) {
		t.Errorf("alg=none token err = %v, want unauthorized", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := testAuth(t, func(c *Config) { c.TokenDuration = -time.Minute })

	token, err := auth.Login("hunter2", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := auth.ValidateToken(token); !errdefs.IsUnauthorized(err) {
		t.Errorf("expired token err = %v, want unauthorized", err)
	}
}

func TestValidateAgentToken(t *testing.T) {
	auth := testAuth(t, nil)

	if !auth.ValidateAgentToken("agent-token") {
		t.Error("correct agent token rejected")
	}
	if auth.ValidateAgentToken("agent-token2") {
		t.Error("wrong agent token accepted")
	}
	if auth.ValidateAgentToken("") {
		t.Error("empty agent token accepted")
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("fourth attempt should be blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other addresses must not share the budget")
	}

	rl.Reset("10.0.0.1")
	if !rl.Allow("10.0.0.1") {
		t.Error("reset should clear the budget")
	}
}

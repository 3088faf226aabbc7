package hub

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/manlab/manlab/internal/errdefs"
)

// RateLimiter tracks login attempts per source IP.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request from the given IP is allowed.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Filter old attempts
	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check if already at limit BEFORE recording this attempt
	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}

	// Record this attempt
	r.attempts[ip] = append(recent, now)
	return true
}

// Reset clears attempts for an IP (on successful login).
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// AuthService handles dashboard and agent authentication. Dashboard
// logins exchange password (+TOTP when configured) for a signed token;
// agents present the shared bearer token.
type AuthService struct {
	cfg         *Config
	rateLimiter *RateLimiter
}

func NewAuthService(cfg *Config) *AuthService {
	return &AuthService{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

// Login verifies the credentials and issues a token.
func (a *AuthService) Login(password, totpCode string) (string, error) {
	if !a.checkPassword(password) {
		return "", errdefs.ErrUnauthorized
	}
	if !a.checkTOTP(totpCode) {
		return "", errdefs.ErrUnauthorized
	}
	return a.issueToken()
}

func (a *AuthService) checkPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password))
	return err == nil
}

func (a *AuthService) checkTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true // TOTP not required
	}
	return totp.Validate(code, a.cfg.TOTPSecret)
}

func (a *AuthService) issueToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		Issuer:    "manlab",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenDuration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// ValidateToken checks a dashboard token and returns its subject.
func (a *AuthService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errdefs.ErrUnauthorized
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errdefs.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", errdefs.ErrUnauthorized
	}
	return claims.Subject, nil
}

// ValidateAgentToken checks if the agent token is valid.
func (a *AuthService) ValidateAgentToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(a.cfg.AgentToken), []byte(token)) == 1
}

// IsRateLimited checks if the IP is rate limited.
func (a *AuthService) IsRateLimited(ip string) bool {
	return !a.rateLimiter.Allow(ip)
}

// ResetRateLimit clears rate limit for an IP.
func (a *AuthService) ResetRateLimit(ip string) {
	a.rateLimiter.Reset(ip)
}

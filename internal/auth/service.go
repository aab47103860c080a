package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Service authenticates the dashboard admin and issues session tokens.
type Service struct {
	cfg       Config
	jwtSecret []byte
}

// New creates a Service. A random signing secret is generated when none is
// configured, which invalidates sessions on every daemon restart.
func New(cfg Config) (*Service, error) {
	if cfg.Enabled && (cfg.Username == "" || cfg.PasswordHash == "") {
		return nil, errors.New("auth enabled but username or password_hash is empty")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	return &Service{cfg: cfg, jwtSecret: secret}, nil
}

func (s *Service) Enabled() bool      { return s.cfg.Enabled }
func (s *Service) CookieName() string { return s.cfg.CookieName }
func (s *Service) TokenTTL() time.Duration {
	return s.cfg.TokenTTL
}
func (s *Service) SecureCookie() bool { return s.cfg.SecureCookie }

// Login checks the credentials and returns a signed session token.
func (s *Service) Login(username, password string) (*Token, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password)); err != nil || !userOK {
		return nil, ErrInvalidCredentials
	}
	return s.issue(username)
}

func (s *Service) issue(username string) (*Token, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.TokenTTL)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify parses a session token. Any failure is reported as ErrUnauthorized.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Username != s.cfg.Username {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tcmartin/flowconsole/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "flowconsole"

// Claims represents the JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// OperatorAuth authenticates the single configured operator account and
// issues HS256 tokens
type OperatorAuth struct {
	secret          []byte
	tokenExpiration time.Duration
	username        string
	passwordHash    []byte
	now             func() time.Time
}

// NewOperatorAuth creates an authenticator from the auth config
func NewOperatorAuth(cfg config.AuthConfig) *OperatorAuth {
	hours := cfg.TokenExpiration
	if hours <= 0 {
		hours = 24
	}
	return &OperatorAuth{
		secret:          []byte(cfg.JWTSecret),
		tokenExpiration: time.Duration(hours) * time.Hour,
		username:        cfg.Username,
		passwordHash:    []byte(cfg.PasswordHash),
		now:             time.Now,
	}
}

// HashPassword returns the bcrypt hash to store in the auth config
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks the operator credentials
func (a *OperatorAuth) Authenticate(username, password string) (string, error) {
	if username != a.username || len(a.passwordHash) == 0 {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// GenerateToken generates a JWT token for the operator
func (a *OperatorAuth) GenerateToken(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a JWT token and returns the operator name
func (a *OperatorAuth) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}

package token

import (
	"fmt"
	"time"

	"github.com/carelink/security-service/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the JWT registered claims plus operator metadata.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// OperatorTokenInput defines metadata for token minting.
type OperatorTokenInput struct {
	OperatorID uuid.UUID
	Email      string
	Role       string
}

// Service handles JWT minting and verification for the operator surface.
type Service struct {
	cfg    config.TokenConfig
	secret []byte
	parser *jwt.Parser
}

// NewService returns a token service using the shared HS256 secret.
func NewService(cfg config.TokenConfig) (*Service, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Service{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(cfg.Audience),
		),
	}, nil
}

// MintOperatorToken generates a signed JWT for an administrative operator.
func (s *Service) MintOperatorToken(input OperatorTokenInput) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.cfg.AccessTokenTTL)

	claims := &Claims{
		Role:  input.Role,
		Email: input.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Subject:   input.OperatorID.String(),
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Parse validates and parses a JWT token string.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("token claims mismatch")
	}
	return claims, nil
}

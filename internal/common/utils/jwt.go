// internal/common/utils/jwt.go
// JWT signing and verification for tokens issued by the platform's auth service

package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWTClaims carries the identity issued by the platform's auth service
type JWTClaims struct {
	UserID   int64
	Email    string
	Username string
	Role     string // "student", "staff", "admin"
	Type     string // "access" or "refresh"

	// Unix seconds, zero when absent
	ExpiresAt int64
	IssuedAt  int64
	NotBefore int64
	Issuer    string
	Subject   string
}

// tokenClaims is the wire form. user_id travels as a string so large ids
// survive JSON number decoding in other services.
type tokenClaims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

func numericDate(unix int64) *jwt.NumericDate {
	if unix == 0 {
		return nil
	}
	return jwt.NewNumericDate(time.Unix(unix, 0))
}

func unixOf(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}

// GenerateJWT signs claims with HS256
func GenerateJWT(claims *JWTClaims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		UserID:   strconv.FormatInt(claims.UserID, 10),
		Email:    claims.Email,
		Username: claims.Username,
		Role:     claims.Role,
		Type:     claims.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: numericDate(claims.ExpiresAt),
			IssuedAt:  numericDate(claims.IssuedAt),
			NotBefore: numericDate(claims.NotBefore),
			Issuer:    claims.Issuer,
			Subject:   claims.Subject,
		},
	})

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWT verifies signature and time claims and returns the identity
func ValidateJWT(tokenString string, secret string) (*JWTClaims, error) {
	var wire tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &wire, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	userID, err := strconv.ParseInt(wire.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return nil, errors.New("invalid user_id in token")
	}

	return &JWTClaims{
		UserID:    userID,
		Email:     wire.Email,
		Username:  wire.Username,
		Role:      wire.Role,
		Type:      wire.Type,
		ExpiresAt: unixOf(wire.ExpiresAt),
		IssuedAt:  unixOf(wire.IssuedAt),
		NotBefore: unixOf(wire.NotBefore),
		Issuer:    wire.Issuer,
		Subject:   wire.Subject,
	}, nil
}

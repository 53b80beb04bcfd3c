package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is stamped on every credential and required when parsing.
const Issuer = "coedit"

// Scope carries the conversation a credential is valid for.
type Scope struct {
	ConvID string `json:"convId"`
}

// Claims is the credential payload handed to the editor front-end, which
// presents it to the realtime store. UID is the platform user id.
type Claims struct {
	UID   string `json:"uid"`
	Scope Scope  `json:"claims"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs a credential for userID scoped to convID, valid for ttl
// starting at now.
func IssueToken(secret []byte, userID, convID string, ttl time.Duration, now time.Time) (string, Claims, error) {
	if userID == "" || convID == "" {
		return "", Claims{}, fmt.Errorf("issue token: user and conversation are required")
	}
	claims := Claims{
		UID:   userID,
		Scope: Scope{ConvID: convID},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.UID == "" || claims.Scope.ConvID == "" || claims.UID != claims.Subject {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

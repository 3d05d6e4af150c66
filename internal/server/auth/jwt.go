// Package auth issues and verifies the HS256 tokens that bind a connection
// to an identity and one of its devices.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the standard registered claims plus the identity and the
// device the token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string
	DeviceID string
}

// Principal is the verified result of a token.
type Principal struct {
	IdentityID string
	DeviceID   string
}

func GenerateToken(userID, deviceID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID:   userID,
		DeviceID: deviceID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken verifies tokenString and returns the principal it names.
// Expired tokens map to common.ErrTokenExpired, everything else that fails
// verification maps to common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, common.ErrTokenExpired
		}
		return Principal{}, common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" || claims.DeviceID == "" {
		return Principal{}, common.ErrInvalidToken
	}

	return Principal{IdentityID: claims.UserID, DeviceID: claims.DeviceID}, nil
}

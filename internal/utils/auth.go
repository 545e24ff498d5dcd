package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims identifies the scanner and operator behind a request
type DeviceClaims struct {
	DeviceID string `json:"deviceId"`
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// GenerateDeviceToken issues a signed token for a paired scanner
func GenerateDeviceToken(deviceID, userName, secret string, ttl time.Duration) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	now := time.Now()
	claims := DeviceClaims{
		DeviceID: deviceID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateDeviceToken parses and validates a device token
func ValidateDeviceToken(tokenString, secret string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.DeviceID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

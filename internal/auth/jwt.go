// Package auth verifies the JWTs minted by the platform's authentication
// service. The hub itself only consumes the resulting identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a socket.
type Identity struct {
	AccountID string
	DeviceID  string
}

// Claims is the token payload issued per paired device.
type Claims struct {
	AccountID string `json:"accountId"`
	DeviceID  string `json:"deviceId"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens against a shared secret.
type JWTVerifier struct {
	secretKey []byte
	issuer    string
}

// NewJWTVerifier builds a verifier. issuer, when non-empty, is enforced
// against the token's iss claim.
func NewJWTVerifier(secretKey, issuer string) *JWTVerifier {
	return &JWTVerifier{secretKey: []byte(secretKey), issuer: issuer}
}

// Generate mints a token for an account/device pair. Used by tests and the
// local dev harness; production tokens come from the auth service.
func (v *JWTVerifier) Generate(accountID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		AccountID: accountID,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Subject:   accountID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates tokenString and returns its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(*jwt.Token) (interface{}, error) { return v.secretKey, nil },
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.AccountID == "" || claims.DeviceID == "" {
		return nil, errors.New("token missing account or device claim")
	}
	return claims, nil
}

// Authenticate implements the hub's authenticator contract: it extracts the
// bearer token from headers and returns the identity, or nil when the
// connection must be refused.
func (v *JWTVerifier) Authenticate(headers http.Header, _ string) *Identity {
	tokenString, err := ExtractBearer(headers)
	if err != nil {
		return nil
	}
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil
	}
	return &Identity{AccountID: claims.AccountID, DeviceID: claims.DeviceID}
}

// ExtractBearer pulls the token out of an Authorization header.
func ExtractBearer(headers http.Header) (string, error) {
	authHeader := headers.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

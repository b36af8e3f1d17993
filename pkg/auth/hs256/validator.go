// Package hs256 validates control tokens signed with a shared secret.
package hs256

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/osvaldoandrade/batchsup/pkg/auth"
)

const (
	Issuer    = "batchsup"
	clockSkew = 30 * time.Second
)

type validator struct {
	secret []byte
}

// NewValidatorFromJSON accepts the shared secret as a JSON string.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var secret string
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, fmt.Errorf("hs256 auth: invalid config: %w", err)
	}
	return NewValidator(secret)
}

func NewValidator(secret string) (auth.Validator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("hs256 auth: secret is required")
	}
	return &validator{secret: []byte(secret)}, nil
}

func (v *validator) Validate(tokenString string) (*auth.Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	result := &auth.Claims{Raw: claims}
	result.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		result.IssuedAt = iat.Time
	}
	if scope, ok := claims["scope"].(string); ok {
		result.Scopes = strings.Fields(scope)
	}
	return result, nil
}

// Issue signs a token for subject with the given scopes.
func Issue(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("hs256 auth: secret is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   Issuer,
		"sub":   subject,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(scopes, " "),
	})
	return token.SignedString([]byte(secret))
}

func init() {
	auth.RegisterProvider("hs256", NewValidatorFromJSON)
}

// Package auth validates the bearer tokens issued by the account service and
// turns them into the (merchant, role) principal charge operations require.
// Token issuance here exists only for development tooling.
package auth

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/pixflow/internal"
)

// Claims represents JWT token claims
type Claims struct {
	MerchantID string `json:"merchant_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) Principal() internal.Principal {
	return internal.Principal{MerchantID: c.MerchantID, Role: c.Role}
}

type TokenValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
}

func NewTokenValidator(publicKey *rsa.PublicKey, issuer string) *TokenValidator {
	return &TokenValidator{publicKey: publicKey, issuer: issuer}
}

func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.ErrTokenExpired
		}
		return nil, internal.ErrInvalidToken.WithCause(err)
	}
	if claims.MerchantID == "" {
		return nil, internal.ErrInvalidToken.WithMessage("token has no merchant_id claim")
	}
	return claims, nil
}

type TokenIssuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
}

func NewTokenIssuer(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, issuer: issuer, ttl: ttl}
}

func (i *TokenIssuer) Issue(merchantID, role string, now time.Time) (string, error) {
	claims := &Claims{
		MerchantID: merchantID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   merchantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
}

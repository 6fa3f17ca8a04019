package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of issued bearer tokens.
const DefaultTokenTTL = time.Hour

const tokenIssuerName = "odyssey-pay"

// Claims are the JWT claims carried by bearer tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 bearer tokens. Tokens are stateless:
// validity depends only on signature and expiry.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs an issuer around a process-scoped secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: token secret required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the issuer reading time from now.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	clone := *i
	clone.now = now
	return &clone
}

// TTL reports the fixed token lifetime.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for accountID.
func (i *TokenIssuer) Issue(accountID string, role Role) (Token, error) {
	issuedAt := i.now().UTC().Truncate(jwt.TimePrecision)
	expiresAt := issuedAt.Add(i.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuerName,
			Subject:   accountID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{Value: signed, AccountID: accountID, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify checks signature and expiry, returning ErrTokenExpired for
// correctly signed but stale tokens and ErrTokenInvalid for everything else.
func (i *TokenIssuer) Verify(raw string) (Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{
		AccountID: claims.Subject,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vortex/api/internal/util"
)

const issuer = "vortex"

// Claims identify a governor session. Sub carries the normalized address.
type Claims struct {
	Sub  string
	Role string
	JTI  string
	Exp  int64
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs claims with HS256.
func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("session secret is empty")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claims.Sub,
			ID:        claims.JTI,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// IssueSession mints a token for address valid for ttl.
func IssueSession(secret []byte, address, role string, ttl time.Duration) (string, Claims, error) {
	claims := Claims{
		Sub:  util.NormalizeAddress(address),
		Role: role,
		JTI:  util.NewID("jti"),
		Exp:  time.Now().Add(ttl).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func ParseToken(secret []byte, raw string) (Claims, error) {
	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:  parsed.Subject,
		Role: parsed.Role,
		JTI:  parsed.ID,
		Exp:  parsed.ExpiresAt.Unix(),
	}, nil
}

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const governorAddr = "0x00000000000000000000000000000000000000aa"

func TestSessionRoundTrip(t *testing.T) {
	secret := []byte("secret")
	issued, claims, err := IssueSession(secret, "  0x00000000000000000000000000000000000000AA ", "governor", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, governorAddr, claims.Sub)
	assert.NotEmpty(t, claims.JTI)

	parsed, err := ParseToken(secret, issued)
	require.NoError(t, err)
	assert.Equal(t, claims, parsed)
}

func TestParseTokenErrors(t *testing.T) {
	secret := []byte("secret")
	expired, err := IssueToken(secret, Claims{
		Sub:  governorAddr,
		Role: "governor",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)
	valid, _, err := IssueSession(secret, governorAddr, "governor", time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": governorAddr, "jti": "x", "iss": issuer, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name   string
		secret []byte
		token  string
		want   error
	}{
		{name: "expired", secret: secret, token: expired, want: ErrExpiredToken},
		{name: "foreign secret", secret: []byte("other"), token: valid, want: ErrInvalidToken},
		{name: "garbage", secret: secret, token: "not-a-token", want: ErrInvalidToken},
		{name: "truncated", secret: secret, token: valid[:strings.LastIndex(valid, ".")], want: ErrInvalidToken},
		{name: "alg none", secret: secret, token: noneAlg, want: ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseToken(tc.secret, tc.token)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, _, err := IssueSession(nil, governorAddr, "governor", time.Hour)
	assert.Error(t, err)
}

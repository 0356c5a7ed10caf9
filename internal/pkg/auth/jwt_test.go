package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	v, err := NewVerifier("top-secret")
	require.NoError(t, err)

	token, err := v.Issue("user-1", "a@example.com", "admin", time.Hour)
	require.NoError(t, err)

	claims, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
}

func TestParseRejects(t *testing.T) {
	v, _ := NewVerifier("top-secret")
	other, _ := NewVerifier("other-secret")

	expired, err := v.Issue("user-1", "", "user", -time.Hour)
	require.NoError(t, err)
	_, err = v.Parse(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	forged, _ := other.Issue("user-1", "", "admin", time.Hour)
	_, err = v.Parse(forged)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	noSubject, _ := v.Issue("", "", "user", time.Hour)
	_, err = v.Parse(noSubject)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Parse(unsigned)
	assert.Error(t, err)

	_, err = v.Parse("garbage")
	assert.Error(t, err)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

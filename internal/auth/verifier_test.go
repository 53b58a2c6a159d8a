package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientID = "test-client.apps.example"

// staticKeys is a KeyProvider over a fixed key map.
type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok := s[kid]
	if !ok {
		return nil, ErrMissingKey
	}
	return key, nil
}

type tokenOpts struct {
	kid      string
	issuer   string
	audience string
	expires  time.Time
}

func signToken(t *testing.T, key *rsa.PrivateKey, opts tokenOpts) string {
	t.Helper()

	claims := Claims{
		Name:       "Ada Lovelace",
		Picture:    "https://example.test/ada.png",
		GivenName:  "Ada",
		FamilyName: "Lovelace",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    opts.issuer,
			Audience:  jwt.ClaimStrings{opts.audience},
			Subject:   "subject-1",
			ExpiresAt: jwt.NewNumericDate(opts.expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.kid

	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func defaultOpts() tokenOpts {
	return tokenOpts{
		kid:      "key-1",
		issuer:   "accounts.google.com",
		audience: testClientID,
		expires:  time.Now().Add(time.Hour),
	}
}

func TestVerifyValidToken(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	claims, err := v.Verify(context.Background(), signToken(t, key, defaultOpts()))
	require.NoError(t, err)
	assert.Equal(t, "subject-1", claims.Subject)
	assert.Equal(t, "Ada Lovelace", claims.Name)
	assert.Equal(t, "Ada", claims.GivenName)
}

func TestVerifyAcceptsBothGoogleIssuers(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	opts := defaultOpts()
	opts.issuer = "https://accounts.google.com"
	_, err := v.Verify(context.Background(), signToken(t, key, opts))
	assert.NoError(t, err)
}

func TestVerifyRejectsUntrustedIssuer(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	opts := defaultOpts()
	opts.issuer = "https://evil.example"
	_, err := v.Verify(context.Background(), signToken(t, key, opts))
	assert.ErrorIs(t, err, ErrUntrustedIssuer)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	opts := defaultOpts()
	opts.expires = time.Now().Add(-time.Minute)
	_, err := v.Verify(context.Background(), signToken(t, key, opts))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	opts := defaultOpts()
	opts.audience = "someone-else"
	_, err := v.Verify(context.Background(), signToken(t, key, opts))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	opts := defaultOpts()
	opts.kid = "key-2"
	_, err := v.Verify(context.Background(), signToken(t, key, opts))
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	key := newTestKey(t)
	otherKey := newTestKey(t)
	v := NewVerifier(staticKeys{"key-1": &key.PublicKey}, testClientID)

	_, err := v.Verify(context.Background(), signToken(t, otherKey, defaultOpts()))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMaxAge(t *testing.T) {
	assert.Equal(t, 3600*time.Second, maxAge("public, max-age=3600, must-revalidate"))
	assert.Equal(t, time.Duration(0), maxAge("no-store"))
	assert.Equal(t, time.Duration(0), maxAge(""))
	assert.Equal(t, time.Duration(0), maxAge("max-age=broken"))
}

// Package auth verifies OpenID Connect identity tokens for the Loft
// chat service and exchanges OAuth authorization codes for them.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures are reported with distinct sentinels so callers
// can tell a stale key set apart from a forged or expired token.
var (
	// ErrMissingKey means the token names a signing key the provider's
	// published key set does not contain.
	ErrMissingKey = errors.New("auth: no matching signing key")

	// ErrUntrustedIssuer means the token was signed by a key we trust but
	// claims an issuer outside the allowlist.
	ErrUntrustedIssuer = errors.New("auth: untrusted issuer")

	// ErrInvalidToken covers signature, expiry, and audience failures.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the verified identity extracted from an ID token.
type Claims struct {
	Name       string `json:"name"`
	Picture    string `json:"picture"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	jwt.RegisteredClaims
}

// KeyProvider resolves a key ID from a token header to an RSA public
// key. Implementations may fetch and cache provider key sets.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Verifier validates RS256-signed ID tokens against a key provider, a
// fixed audience, and an issuer allowlist.
type Verifier struct {
	keys     KeyProvider
	audience string
	issuers  []string
}

// googleIssuers are the two issuer values Google uses interchangeably.
var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// NewVerifier builds a verifier for tokens issued to the given client
// ID. When issuers is empty the Google issuer pair is trusted.
func NewVerifier(keys KeyProvider, clientID string, issuers ...string) *Verifier {
	if len(issuers) == 0 {
		issuers = googleIssuers
	}
	return &Verifier{keys: keys, audience: clientID, issuers: issuers}
}

// Verify checks the token's signature, expiry, audience, and issuer and
// returns the verified claims.
func (v *Verifier) Verify(ctx context.Context, idToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(idToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKey
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, ErrMissingKey) {
			return nil, ErrMissingKey
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// The issuer cannot go through jwt.WithIssuer because more than one
	// value is acceptable.
	trusted := false
	for _, iss := range v.issuers {
		if claims.Issuer == iss {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, ErrUntrustedIssuer
	}
	return claims, nil
}

// jwk is one entry of a provider's published key set.
type jwk struct {
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// RemoteKeySet fetches signing keys from a JWKS endpoint and caches them
// until the endpoint's Cache-Control max-age elapses.
type RemoteKeySet struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	keys   map[string]*rsa.PublicKey
	expire time.Time
}

var _ KeyProvider = (*RemoteKeySet)(nil)

// NewRemoteKeySet creates a key set backed by the given JWKS URL. A nil
// client falls back to http.DefaultClient.
func NewRemoteKeySet(url string, client *http.Client) *RemoteKeySet {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteKeySet{url: url, client: client}
}

// Key returns the RSA public key with the given ID, refreshing the
// cached key set if it has expired.
func (ks *RemoteKeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if time.Now().After(ks.expire) {
		if err := ks.refresh(ctx); err != nil {
			return nil, err
		}
	}
	key, ok := ks.keys[kid]
	if !ok {
		return nil, ErrMissingKey
	}
	return key, nil
}

func (ks *RemoteKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("auth: building key set request: %w", err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetching key set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: key set endpoint returned %s", resp.Status)
	}

	var set jwks
	if err := decodeJSON(resp.Body, &set); err != nil {
		return fmt.Errorf("auth: decoding key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		key, err := rsaKeyFromComponents(k.N, k.E)
		if err != nil {
			return fmt.Errorf("auth: key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}

	ks.keys = keys
	ks.expire = time.Now().Add(maxAge(resp.Header.Get("Cache-Control")))
	return nil
}

// maxAge extracts the max-age directive from a Cache-Control header.
// Keys are refetched on every use when the header is absent.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// rsaKeyFromComponents assembles a public key from the base64url-encoded
// modulus and exponent of a JWK entry.
func rsaKeyFromComponents(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent <= 1 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}

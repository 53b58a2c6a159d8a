// Package auth exchanges OAuth authorization codes for identity tokens
// at the provider's token endpoint.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// decodeJSON reads and decodes a JSON body, shared by the exchanger and
// the key set fetcher.
func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// Exchanger swaps an OAuth authorization code for an ID token. The
// authorization code arrives on the login redirect; the ID token it
// buys is what Verifier validates.
type Exchanger struct {
	clientID     string
	clientSecret string
	tokenURL     string
	redirectURL  string
	client       *http.Client
}

// NewExchanger builds an exchanger for the given OAuth client. A nil
// http client falls back to http.DefaultClient.
func NewExchanger(clientID, clientSecret, tokenURL, redirectURL string, client *http.Client) *Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &Exchanger{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		redirectURL:  redirectURL,
		client:       client,
	}
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
}

// Exchange posts the authorization code to the token endpoint and
// returns the ID token from the response.
func (e *Exchanger) Exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {e.redirectURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("auth: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: requesting token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: token endpoint returned %s", resp.Status)
	}

	var token tokenResponse
	if err := decodeJSON(resp.Body, &token); err != nil {
		return "", fmt.Errorf("auth: decoding token response: %w", err)
	}
	if token.IDToken == "" {
		return "", fmt.Errorf("auth: token response carried no id_token")
	}
	return token.IDToken, nil
}

package sync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// Credentials is the token pair held by the host's credential store.
// The guardian never persists it itself - it reads and writes through
// the CredentialStore and treats the pair as capability evidence.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// CredentialStore is implemented by the host's credential storage.
// GetAuth returns nil when no credentials exist for the integration.
type CredentialStore interface {
	GetAuth(integrationID string) (*Credentials, error)
	SaveIntegrationAuth(integrationID string, creds Credentials) error
}

// TokenGuardian validates an access token against Tiltify and refreshes it
// via the OAuth refresh-token grant when it has expired. It is invoked
// lazily - only when a sync cycle or connect is about to run.
type TokenGuardian struct {
	*SyncContext
	Store CredentialStore
}

// TiltifyAPIBuilder returns a new requests.Builder configured for the Tiltify API.
func (g *TokenGuardian) TiltifyAPIBuilder() *requests.Builder {
	Init()
	apiBuilder := requests.
		URL("https://v5api.tiltify.com").
		Client(&http.Client{Timeout: HTTPRequestTimeout})
	if g.Transport != nil {
		apiBuilder = apiBuilder.Transport(g.Transport)
	} else if g.RecordRequests {
		apiBuilder = apiBuilder.Transport(requests.Record(nil, fmt.Sprintf("testdata/.requests/%s/tiltify", g.IntegrationID)))
	}
	return apiBuilder
}

// IsValid probes the token with a lightweight authenticated call.
// Any failure, including a non-2xx response, means "invalid" - it is
// never surfaced as a hard error.
func (g *TokenGuardian) IsValid(token string, ctx context.Context) bool {
	if token == "" {
		return false
	}
	err := g.TiltifyAPIBuilder().
		Path("/api/public/current-user").
		Bearer(token).
		Fetch(ctx)
	return err == nil
}

// Refresh performs the refresh-token grant and persists the new pair via
// the host's credential store. On any failure the prior credentials are
// left untouched and an AuthError is returned.
func (g *TokenGuardian) Refresh(ctx context.Context) (string, error) {
	creds, err := g.Store.GetAuth(g.IntegrationID)
	if err != nil {
		return "", AuthError{Cause: err}
	}
	if creds == nil || creds.RefreshToken == "" {
		return "", AuthError{Cause: ErrNoRefreshToken}
	}

	tiltifyError := TiltifyError{}
	var json string
	err = g.TiltifyAPIBuilder().
		Path("/oauth/token").
		BodyForm(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {creds.RefreshToken},
			"client_id":     {g.Settings.OAuth.ClientID},
			"client_secret": {g.Settings.OAuth.ClientSecret},
		}).
		ToString(&json).
		ErrorJSON(&tiltifyError).
		Fetch(ctx)
	if err != nil {
		log.Printf("Tiltify Error: %+v", tiltifyError)
		return "", AuthError{Cause: err}
	}
	if !gjson.Valid(json) {
		log.Printf("Invalid Tiltify Response:\n%s", json)
		return "", AuthError{Cause: ErrInvalidTokenResponse}
	}

	data := gjson.Parse(json)
	refreshed := Credentials{
		AccessToken:  data.Get("access_token").String(),
		RefreshToken: data.Get("refresh_token").String(),
	}
	if refreshed.AccessToken == "" {
		return "", AuthError{Cause: ErrInvalidTokenResponse}
	}
	// Tiltify may omit the refresh token when it is still current
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	if err := g.Store.SaveIntegrationAuth(g.IntegrationID, refreshed); err != nil {
		return "", AuthError{Cause: err}
	}
	return refreshed.AccessToken, nil
}

// EnsureToken returns a currently valid access token, refreshing first if
// the stored one fails validation. A stored-but-nil credential record is
// treated the same as an expired token: refresh or fail with AuthError.
func (g *TokenGuardian) EnsureToken(ctx context.Context) (string, error) {
	creds, err := g.Store.GetAuth(g.IntegrationID)
	if err != nil {
		return "", AuthError{Cause: err}
	}
	var token string
	if creds != nil {
		token = creds.AccessToken
	}
	if g.IsValid(token, ctx) {
		return token, nil
	}
	return g.Refresh(ctx)
}

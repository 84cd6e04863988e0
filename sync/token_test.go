package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/carlmjohnson/requests"
)

type fakeCredStore struct {
	creds   *Credentials
	getErr  error
	saveErr error
	saves   int
}

func (f *fakeCredStore) GetAuth(integrationID string) (*Credentials, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.creds == nil {
		return nil, nil
	}
	c := *f.creds
	return &c, nil
}

func (f *fakeCredStore) SaveIntegrationAuth(integrationID string, creds Credentials) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.creds = &creds
	return nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testGuardian(store CredentialStore, rt requests.RoundTripFunc) *TokenGuardian {
	return &TokenGuardian{
		SyncContext: &SyncContext{
			Settings: Settings{
				CampaignID:          "c1",
				PollIntervalSeconds: 30,
				OAuth:               OAuthSettings{ClientID: "cid", ClientSecret: "secret"},
			},
			IntegrationID: "integration-1",
			Transport:     rt,
		},
		Store: store,
	}
}

func TestIsValid(t *testing.T) {
	valid := map[string]bool{"good": true, "stale": false}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/public/current-user" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		if valid[strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")] {
			return jsonResponse(http.StatusOK, `{"data":{"id":"u1"}}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{"error":"unauthorized"}`), nil
	})
	g := testGuardian(&fakeCredStore{}, rt)

	if g.IsValid("", context.Background()) {
		t.Error("expected empty token invalid")
	}
	if g.IsValid("stale", context.Background()) {
		t.Error("expected rejected token invalid")
	}
	if !g.IsValid("good", context.Background()) {
		t.Error("expected accepted token valid")
	}
}

func TestTransportTakesPrecedenceOverRecording(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "good", RefreshToken: "refresh-1"}}
	g := testGuardian(store, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data":{"id":"u1"}}`), nil
	})
	g.RecordRequests = true

	if !g.IsValid("good", context.Background()) {
		t.Error("expected the explicit transport to serve the probe")
	}
	if _, err := os.Stat("testdata"); !os.IsNotExist(err) {
		t.Error("expected no capture directory when a transport is set")
	}
}

func TestRefreshPersistsNewPair(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "stale", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		form, err := url.ParseQuery(string(body))
		if err != nil {
			t.Fatal(err)
		}
		if form.Get("grant_type") != "refresh_token" ||
			form.Get("refresh_token") != "refresh-1" ||
			form.Get("client_id") != "cid" ||
			form.Get("client_secret") != "secret" {
			t.Errorf("unexpected form: %v", form)
		}
		return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"refresh-2"}`), nil
	})
	g := testGuardian(store, rt)

	token, err := g.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "fresh" {
		t.Errorf("unexpected token: %s", token)
	}
	if store.creds.AccessToken != "fresh" || store.creds.RefreshToken != "refresh-2" {
		t.Errorf("unexpected persisted pair: %+v", store.creds)
	}
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "stale", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"access_token":"fresh"}`), nil
	})
	g := testGuardian(store, rt)

	if _, err := g.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.creds.RefreshToken != "refresh-1" {
		t.Errorf("expected prior refresh token kept but have: %s", store.creds.RefreshToken)
	}
}

func TestRefreshFailureLeavesStoreUntouched(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "stale", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, `{"error":"try later"}`), nil
	})
	g := testGuardian(store, rt)

	_, err := g.Refresh(context.Background())
	var authErr AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError but have: %v", err)
	}
	if store.saves != 0 {
		t.Error("expected no save on failed refresh")
	}
	if store.creds.RefreshToken != "refresh-1" {
		t.Errorf("expected prior credentials kept but have: %+v", store.creds)
	}
}

func TestRefreshWithoutStoredCredentials(t *testing.T) {
	g := testGuardian(&fakeCredStore{}, func(req *http.Request) (*http.Response, error) {
		t.Error("expected no request without a refresh token")
		return jsonResponse(http.StatusOK, `{}`), nil
	})
	_, err := g.Refresh(context.Background())
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("expected ErrNoRefreshToken but have: %v", err)
	}
}

func TestRefreshRejectsUnusableTokenResponse(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "stale", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"token_type":"bearer"}`), nil
	})
	g := testGuardian(store, rt)

	_, err := g.Refresh(context.Background())
	if !errors.Is(err, ErrInvalidTokenResponse) {
		t.Errorf("expected ErrInvalidTokenResponse but have: %v", err)
	}
	if store.saves != 0 {
		t.Error("expected no save for an unusable response")
	}
}

func TestEnsureTokenUsesStoredTokenWhileValid(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "good", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/oauth/token" {
			t.Error("expected no refresh for a valid token")
		}
		return jsonResponse(http.StatusOK, `{"data":{"id":"u1"}}`), nil
	})
	g := testGuardian(store, rt)

	token, err := g.EnsureToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "good" {
		t.Errorf("unexpected token: %s", token)
	}
}

func TestEnsureTokenRefreshesExpiredToken(t *testing.T) {
	store := &fakeCredStore{creds: &Credentials{AccessToken: "stale", RefreshToken: "refresh-1"}}
	rt := requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/public/current-user":
			return jsonResponse(http.StatusUnauthorized, `{"error":"unauthorized"}`), nil
		case "/oauth/token":
			return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"refresh-2"}`), nil
		}
		t.Errorf("unexpected path: %s", req.URL.Path)
		return jsonResponse(http.StatusNotFound, `{}`), nil
	})
	g := testGuardian(store, rt)

	token, err := g.EnsureToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "fresh" {
		t.Errorf("unexpected token: %s", token)
	}
	if store.creds.AccessToken != "fresh" {
		t.Errorf("expected refreshed pair persisted but have: %+v", store.creds)
	}
}

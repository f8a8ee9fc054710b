package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/oidctoken/internal/th"
	"lds.li/oidctoken/oauth2as"
	"lds.li/oidctoken/oauth2as/staticclients"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/sealer"
)

const (
	testIssuer   = "https://op.example.com"
	testClientID = "web"
	testSecret   = "s3cret"
	testRedirect = "https://rp.example.com/cb"
)

var authRequestField = regexp.MustCompile(`name="auth_request" value="([^"]+)"`)

func newTestRouter(t *testing.T, dev bool) *httptest.Server {
	t.Helper()

	s, err := sealer.New([]sealer.Key{{ID: 1, Material: bytes.Repeat([]byte{0x11}, 32), Role: sealer.RoleCurrent}})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.DiscardHandler)
	signer, err := loadSigner("", logger)
	if err != nil {
		t.Fatal(err)
	}
	core, err := oauth2as.NewServer(oauth2as.Config{
		Issuer:      testIssuer,
		Sealer:      s,
		ReplayStore: replay.NewMemStore(),
		Clients: &staticclients.Clients{Clients: []staticclients.Client{
			{ID: testClientID, Secrets: []string{testSecret}, RedirectURLs: []string{testRedirect}},
		}},
		IDTokenSigner: signer,
		Logger:        logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(newRouter(core, logger, dev))
	t.Cleanup(ts.Close)
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestDevAuthorizationFlow(t *testing.T) {
	ts := newTestRouter(t, true)
	hc := noRedirectClient()

	authURL := ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"scope":         {"openid"},
		"state":         {"st-1"},
		"nonce":         {"n-1"},
		"claims":        {`{"userinfo": {"email": {"essential": true}}, "id_token": {"acr": null}}`},
	}.Encode()
	resp, err := hc.Get(authURL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize: want 200, got %d: %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("Requested claims: email acr")) {
		t.Errorf("login page should list the requested claims: %s", body)
	}
	m := authRequestField.FindSubmatch(body)
	if m == nil {
		t.Fatalf("login page has no auth_request field: %s", body)
	}

	resp, err = hc.PostForm(ts.URL+"/finish", url.Values{
		"auth_request": {html.UnescapeString(string(m[1]))},
		"subject":      {"auser"},
		"scopes":       {"openid"},
		"acr":          {"0"},
		"userinfo":     {`{"name": "A User"}`},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("finish: want 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirect {
		t.Errorf("redirected to %s, want %s", got, testRedirect)
	}
	if got := loc.Query().Get("state"); got != "st-1" {
		t.Errorf("want state st-1, got %q", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}

	resp = redeemCode(t, hc, ts.URL, code)
	var tresp struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		TokenType   string `json:"token_type"`
	}
	err = json.NewDecoder(resp.Body).Decode(&tresp)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token: want 200, got %d", resp.StatusCode)
	}
	if tresp.AccessToken == "" || tresp.IDToken == "" {
		t.Fatalf("want access and ID tokens, got %+v", tresp)
	}

	ureq, err := http.NewRequest(http.MethodGet, ts.URL+oauth2as.DefaultUserinfoEndpoint, nil)
	if err != nil {
		t.Fatal(err)
	}
	ureq.Header.Set("Authorization", "Bearer "+tresp.AccessToken)
	resp, err = hc.Do(ureq)
	if err != nil {
		t.Fatal(err)
	}
	var ui map[string]any
	err = json.NewDecoder(resp.Body).Decode(&ui)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"sub": "auser", "name": "A User"}
	if diff := cmp.Diff(want, ui); diff != "" {
		t.Errorf("userinfo (-want +got):\n%s", diff)
	}

	// the code is single use
	resp = redeemCode(t, hc, ts.URL, code)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed code: want 400, got %d", resp.StatusCode)
	}
}

func redeemCode(t *testing.T, hc *http.Client, baseURL, code string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+oauth2as.DefaultTokenEndpoint, strings.NewReader(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirect},
	}.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testSecret)
	resp, err := hc.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestDevAuthorizationRejections(t *testing.T) {
	ts := newTestRouter(t, true)
	hc := noRedirectClient()

	for _, tc := range []struct {
		name  string
		query url.Values
	}{
		{
			name:  "missing response type",
			query: url.Values{"client_id": {testClientID}, "redirect_uri": {testRedirect}},
		},
		{
			name:  "implicit flow",
			query: url.Values{"response_type": {"token"}, "client_id": {testClientID}, "redirect_uri": {testRedirect}},
		},
		{
			name:  "missing client",
			query: url.Values{"response_type": {"code"}, "redirect_uri": {testRedirect}},
		},
		{
			name:  "claims not json",
			query: url.Values{"response_type": {"code"}, "client_id": {testClientID}, "redirect_uri": {testRedirect}, "claims": {"{"}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := hc.Get(ts.URL + "/authorize?" + tc.query.Encode())
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("want 400, got %d", resp.StatusCode)
			}
		})
	}

	unregistered, err := json.Marshal(authParams{ClientID: testClientID, RedirectURI: "https://evil.example.com/cb", Scope: "openid"})
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name string
		form url.Values
	}{
		{name: "missing auth request", form: url.Values{"subject": {"auser"}}},
		{name: "bad encoding", form: url.Values{"auth_request": {"!!"}, "subject": {"auser"}}},
		{
			name: "unregistered redirect",
			form: url.Values{
				"auth_request": {base64.StdEncoding.EncodeToString(unregistered)},
				"subject":      {"auser"},
				"scopes":       {"openid"},
				"acr":          {"0"},
			},
		},
		{
			name: "no scope",
			form: url.Values{
				"auth_request": {base64.StdEncoding.EncodeToString(unregistered)},
				"subject":      {"auser"},
				"acr":          {"0"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := hc.PostForm(ts.URL+"/finish", tc.form)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("want 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestDevAuthorizationDisabled(t *testing.T) {
	ts := newTestRouter(t, false)

	resp, err := http.Get(ts.URL + "/authorize?response_type=code")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", resp.StatusCode)
	}

	// the token endpoint only accepts POST
	resp, err = http.Get(ts.URL + oauth2as.DefaultTokenEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET token: want 405, got %d", resp.StatusCode)
	}
}

func TestLoadSignerFromFile(t *testing.T) {
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "signing.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := insecurecleartextkeyset.Write(h, keyset.NewJSONWriter(f)); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	signer, err := loadSigner(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{Subject: th.Ptr("auser"), WithoutExpiration: true})
	if err != nil {
		t.Fatal(err)
	}
	compact, err := signer.SignAndEncode(raw)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := h.Public()
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := jwt.NewVerifier(pub)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{AllowMissingExpiration: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.VerifyAndDecode(compact, validator); err != nil {
		t.Errorf("token signed with the loaded keyset does not verify: %v", err)
	}

	if _, err := loadSigner(filepath.Join(t.TempDir(), "missing.json"), slog.New(slog.DiscardHandler)); err == nil {
		t.Error("want error for missing keyset")
	}
}

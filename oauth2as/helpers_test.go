package oauth2as

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/idtoken"
	"lds.li/oidctoken/internal/th"
	"lds.li/oidctoken/oidc"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/sealer"
	"lds.li/oidctoken/token"
)

const (
	testIssuer = "https://op.example"

	testClientID     = "client123"
	testClientSecret = "client123-secret"
	testRedirect     = "https://rp.example/cb"

	otherClientID     = "clientB"
	otherClientSecret = "clientB-secret"
	otherRedirect     = "https://b.example/cb"

	publicClientID = "cli"
	publicRedirect = "http://127.0.0.1/callback"

	// RFC 7636 appendix B
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testNonce     = "n-0S6_WzA2Mj"
)

type testClient struct {
	secret    string
	public    bool
	redirects []string
}

// testClients is a ClientSource over a fixed map.
type testClients map[string]testClient

func (c testClients) IsValidClientID(_ context.Context, clientID string) (bool, error) {
	_, ok := c[clientID]
	return ok, nil
}

func (c testClients) IsPublic(_ context.Context, clientID string) (bool, error) {
	cl, ok := c[clientID]
	if !ok {
		return false, fmt.Errorf("invalid client ID")
	}
	return cl.public, nil
}

func (c testClients) ValidateClientSecret(_ context.Context, clientID, clientSecret string) (bool, error) {
	cl, ok := c[clientID]
	if !ok {
		return false, fmt.Errorf("invalid client ID")
	}
	return clientSecret != "" && clientSecret == cl.secret, nil
}

func (c testClients) RedirectURIs(_ context.Context, clientID string) ([]string, error) {
	cl, ok := c[clientID]
	if !ok {
		return nil, fmt.Errorf("invalid client ID")
	}
	return cl.redirects, nil
}

// syncBuffer collects log output from concurrent requests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// records returns the JSON log records written so far.
func (s *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(s.buf.String()), "\n") {
		if l == "" {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal([]byte(l), &r); err != nil {
			t.Fatalf("decoding log line %q: %v", l, err)
		}
		recs = append(recs, r)
	}
	return recs
}

type testEnv struct {
	srv    *Server
	sealer *sealer.Sealer
	signer *idtoken.KeysetSigner
	store  replay.Store
	logs   *syncBuffer

	now time.Time
}

func newTestEnv(t *testing.T, mods ...func(*Config)) *testEnv {
	t.Helper()

	sl, err := sealer.New([]sealer.Key{{ID: 1, Material: bytes.Repeat([]byte{0x42}, 32), Role: sealer.RoleCurrent}})
	if err != nil {
		t.Fatal(err)
	}
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatal(err)
	}
	signer, err := idtoken.NewKeysetSigner(h)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		sealer: sl,
		signer: signer,
		store:  replay.NewMemStore(),
		logs:   &syncBuffer{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	cfg := Config{
		Issuer:        testIssuer,
		Sealer:        sl,
		ReplayStore:   env.store,
		IDTokenSigner: signer,
		Clients: testClients{
			testClientID:   {secret: testClientSecret, redirects: []string{testRedirect}},
			otherClientID:  {secret: otherClientSecret, redirects: []string{otherRedirect}},
			publicClientID: {public: true, redirects: []string{publicRedirect}},
		},
		Logger: slog.New(slog.NewJSONHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		now:    func() time.Time { return env.now },
	}
	for _, m := range mods {
		m(&cfg)
	}

	env.srv, err = NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// authRequest is the authorization from the happy path scenario.
func authRequest() *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		Scope:               claims.ParseScope("openid profile"),
		Subject:             "pairwise-alice",
		UserPrincipal:       "alice",
		AuthTime:            time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		ACR:                 "urn:acr:password",
		Nonce:               testNonce,
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: oidc.CodeChallengeMethodS256,
		DeliveryClaims: map[string]any{
			"name": "Alice",
		},
		DeliveryClaimsID: map[string]any{
			"name": "Alice (ID token)",
		},
		DeliveryClaimsUI: map[string]any{
			"email": "alice@example.com",
		},
	}
}

func (e *testEnv) issueCode(t *testing.T, areq *AuthorizationRequest) string {
	t.Helper()
	code, err := e.srv.IssueAuthorizationCode(t.Context(), areq)
	if err != nil {
		t.Fatalf("issuing code: %v", err)
	}
	return code
}

// sealGrant builds and seals a grant directly, for cases the server would not
// mint itself.
func (e *testEnv) sealGrant(t *testing.T, kind claims.Kind, mod func(*token.Required, *token.Options)) string {
	t.Helper()
	req := token.Required{
		IDGenerator:   token.RandomIDGenerator,
		ClientID:      testClientID,
		Issuer:        testIssuer,
		Subject:       "pairwise-alice",
		UserPrincipal: "alice",
		IssuedAt:      e.now,
		ExpiresAt:     e.now.Add(time.Hour),
		AuthTime:      e.now.Add(-time.Minute),
		RedirectURI:   testRedirect,
		Scope:         claims.ParseScope("openid profile"),
	}
	opts := &token.Options{ACR: "urn:acr:password"}
	if mod != nil {
		mod(&req, opts)
	}

	var (
		tok *token.Token
		err error
	)
	switch kind {
	case claims.KindAuthorizationCode:
		tok, err = token.NewAuthorizationCode(req, opts)
	case claims.KindAccessToken:
		tok, err = token.NewAccessToken(req, opts)
	case claims.KindRefreshToken:
		tok, err = token.NewRefreshToken(req, opts)
	}
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := tok.Seal(e.sealer)
	if err != nil {
		t.Fatal(err)
	}
	return sealed
}

type tokenResult struct {
	status int
	body   map[string]any
	header http.Header
}

func (r *tokenResult) errorCode() string {
	s, _ := r.body["error"].(string)
	return s
}

func (r *tokenResult) str(key string) string {
	s, _ := r.body[key].(string)
	return s
}

// postToken sends a token request through the HTTP handler, authenticating
// with basic auth when secret is set.
func (e *testEnv) postToken(t *testing.T, clientID, secret string, form url.Values) *tokenResult {
	t.Helper()
	if secret == "" {
		form.Set("client_id", clientID)
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if secret != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	}

	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	res := &tokenResult{status: rec.Code, header: rec.Header()}
	if err := json.Unmarshal(rec.Body.Bytes(), &res.body); err != nil {
		t.Fatalf("decoding token response %q: %v", rec.Body.String(), err)
	}
	return res
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"code_verifier": {testVerifier},
	}
}

func refreshForm(rt string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rt},
	}
}

// verifyIDToken checks the ID token signature and standard claims.
func (e *testEnv) verifyIDToken(t *testing.T, compact, audience string) *jwt.VerifiedJWT {
	t.Helper()
	pub, err := e.signer.PublicHandle()
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := jwt.NewVerifier(pub)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:   th.Ptr(testIssuer),
		ExpectedAudience: th.Ptr(audience),
		FixedNow:         e.now,
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := verifier.VerifyAndDecode(compact, validator)
	if err != nil {
		t.Fatalf("verifying ID token: %v", err)
	}
	return v
}

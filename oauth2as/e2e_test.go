package oauth2as

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"lds.li/oidctoken/claims"
)

func TestE2E(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RefreshTokenRotation = RefreshTokenRotationRotateAndRevoke })
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)
	ctx := t.Context()

	o2 := &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  ts.URL + DefaultTokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: testRedirect,
		Scopes:      []string{"openid", "profile", "offline_access"},
	}

	verifier := oauth2.GenerateVerifier()
	areq := authRequest()
	areq.Scope = claims.ParseScope("openid profile offline_access")
	areq.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	code := env.issueCode(t, areq)

	tok, err := o2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		t.Fatalf("exchanging code: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.RefreshToken == "" {
		t.Errorf("unexpected token %#v", tok)
	}
	idt, ok := tok.Extra("id_token").(string)
	if !ok {
		t.Fatal("no id_token in response")
	}
	env.verifyIDToken(t, idt, testClientID)

	// the code can't be exchanged twice
	_, err = o2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.ErrorCode != "invalid_grant" {
		t.Errorf("want invalid_grant retrieving with a used code, got %v", err)
	}

	resp, err := o2.Client(ctx, tok).Get(ts.URL + DefaultUserinfoEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo: want 200, got %d", resp.StatusCode)
	}
	var ui map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		t.Fatal(err)
	}
	if ui["sub"] != "pairwise-alice" || ui["email"] != "alice@example.com" {
		t.Errorf("unexpected userinfo %v", ui)
	}

	// force a refresh through the token source
	expired := *tok
	expired.Expiry = time.Now().Add(-time.Minute)
	refreshed, err := o2.TokenSource(ctx, &expired).Token()
	if err != nil {
		t.Fatalf("refreshing: %v", err)
	}
	if refreshed.AccessToken == tok.AccessToken {
		t.Error("refresh returned the same access token")
	}
	if refreshed.RefreshToken == tok.RefreshToken {
		t.Error("rotation should return a new refresh token")
	}

	// the rotated-out refresh token is no longer usable
	_, err = o2.TokenSource(ctx, &expired).Token()
	if !errors.As(err, &rerr) || rerr.ErrorCode != "invalid_grant" {
		t.Errorf("want invalid_grant refreshing with a rotated token, got %v", err)
	}
}

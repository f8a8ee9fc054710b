package staticclients

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
)

func loadTestClients(t *testing.T, env map[string]string) *Clients {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hashedsecret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SC_HASH", string(hash))
	for k, v := range env {
		t.Setenv(k, v)
	}

	cb, err := os.ReadFile("testdata/clients.json")
	if err != nil {
		t.Fatal(err)
	}
	clients, err := ExpandUnmarshal(cb)
	if err != nil {
		t.Fatal(err)
	}
	return clients
}

func TestStaticClients(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		WithEnv map[string]string

		ClientID          string
		WantInvalidClient bool

		WantValidSecret   string
		WantInvalidSecret string

		WantPublic   bool
		WantRedirect []string
	}{
		{
			Name:              "Valid simple client",
			ClientID:          "simple",
			WantValidSecret:   "secret",
			WantInvalidSecret: "othersecret",
			WantRedirect:      []string{"https://rp.example/cb"},
		},
		{
			Name:              "Missing client ID",
			ClientID:          "not-in-file",
			WantInvalidClient: true,
		},
		{
			Name:              "Bcrypt hashed secret",
			ClientID:          "hashed",
			WantValidSecret:   "hashedsecret",
			WantInvalidSecret: "secret",
			WantRedirect:      []string{"https://hashed.example/cb"},
		},
		{
			Name:            "Env secret, not set",
			ClientID:        "envsecret",
			WantValidSecret: "defaultsecret",
			WantRedirect:    []string{"https://env.example/cb"},
		},
		{
			Name: "Env secret, set",
			WithEnv: map[string]string{
				"SC_SECRET": "explicitsecret",
			},
			ClientID:          "envsecret",
			WantValidSecret:   "explicitsecret",
			WantInvalidSecret: "defaultsecret",
			WantRedirect:      []string{"https://env.example/cb"},
		},
		{
			Name:         "Public client",
			ClientID:     "cli",
			WantPublic:   true,
			WantRedirect: []string{"http://127.0.0.1/callback"},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			clients := loadTestClients(t, tc.WithEnv)

			valid, err := clients.IsValidClientID(t.Context(), tc.ClientID)
			if err != nil {
				// we never error
				t.Fatal(err)
			}

			if tc.WantInvalidClient {
				if valid {
					t.Error("client should not be valid but is")
				}
				if _, err := clients.IsPublic(t.Context(), tc.ClientID); err == nil {
					t.Error("client type check should fail")
				}
				if _, err := clients.ValidateClientSecret(t.Context(), tc.ClientID, ""); err == nil {
					t.Error("client secret check should fail")
				}
				if _, err := clients.RedirectURIs(t.Context(), tc.ClientID); err == nil {
					t.Error("client redirect uri check should fail")
				}
				return
			}

			if !valid {
				t.Errorf("client %s should be valid", tc.ClientID)
			}

			public, err := clients.IsPublic(t.Context(), tc.ClientID)
			if err != nil {
				t.Fatal(err)
			}
			if public != tc.WantPublic {
				t.Errorf("want public %t, got %t", tc.WantPublic, public)
			}

			redirs, err := clients.RedirectURIs(t.Context(), tc.ClientID)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.WantRedirect, redirs); diff != "" {
				t.Errorf("redirect URIs (-want +got):\n%s", diff)
			}

			if tc.WantValidSecret != "" {
				valid, err := clients.ValidateClientSecret(t.Context(), tc.ClientID, tc.WantValidSecret)
				if err != nil {
					t.Fatal(err)
				}
				if !valid {
					t.Errorf("want secret %s to be valid, but it was not", tc.WantValidSecret)
				}
			}
			if tc.WantInvalidSecret != "" {
				valid, err := clients.ValidateClientSecret(t.Context(), tc.ClientID, tc.WantInvalidSecret)
				if err != nil {
					t.Fatal(err)
				}
				if valid {
					t.Errorf("want secret %s to be invalid, but it was", tc.WantInvalidSecret)
				}
			}

			// an empty secret is never valid
			if ok, _ := clients.ValidateClientSecret(t.Context(), tc.ClientID, ""); ok {
				t.Error("empty secret should not be valid")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name:    "unknown field",
			json:    `{"clients":[{"id":"a","clientSecrets":["s"],"redirectURLs":["https://a/cb"],"bogus":true}]}`,
			wantErr: true,
		},
		{
			name:    "confidential without secret",
			json:    `{"clients":[{"id":"a","redirectURLs":["https://a/cb"]}]}`,
			wantErr: true,
		},
		{
			name:    "no redirect",
			json:    `{"clients":[{"id":"a","public":true}]}`,
			wantErr: true,
		},
		{
			name:    "duplicate id",
			json:    `{"clients":[{"id":"a","public":true,"redirectURLs":["https://a/cb"]},{"id":"a","public":true,"redirectURLs":["https://a/cb"]}]}`,
			wantErr: true,
		},
		{
			name:    "bad hash",
			json:    `{"clients":[{"id":"a","clientSecretHashes":["plaintext"],"redirectURLs":["https://a/cb"]}]}`,
			wantErr: true,
		},
		{
			name: "valid",
			json: `{"clients":[{"id":"a","public":true,"redirectURLs":["https://a/cb"]}]}`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExpandUnmarshal([]byte(tc.json))
			if (err != nil) != tc.wantErr {
				t.Errorf("want error %t, got %v", tc.wantErr, err)
			}
		})
	}
}

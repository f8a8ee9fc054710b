// Package staticclients provides a ClientSource backed by a static list of
// clients.
package staticclients

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"lds.li/oidctoken/internal/th"
	"lds.li/oidctoken/oauth2as"
)

var _ oauth2as.ClientSource = (*Clients)(nil)

// Clients implements oauth2as.ClientSource against a static list of clients.
// The type is tagged, to enable loading from JSON. This can be created
// directly, or via unserializing / using the ExpandUnmarshal function
type Clients struct {
	// Clients is the list of clients
	Clients []Client `json:"clients"`
}

// ExpandUnmarshal will take the given JSON, and expand ${VAR} references inside
// it from the environment. This supports expansion with defaults, e.g
//
// `{"clientSecrets": ["${MY_SECRET_VAR:-defaultSecret}"]}`
//
// will return a secret of the contents of the MY_SECRET_VAR environment
// variable if it is set, otherwise it will be `defaultSecret`.
//
// The JSON unmarshaling is strict, and will error if it contains unknown fields.
func ExpandUnmarshal(jsonBytes []byte) (*Clients, error) {
	jd := json.NewDecoder(strings.NewReader(th.ExpandEnv(string(jsonBytes))))
	jd.DisallowUnknownFields()

	var c Clients
	if err := jd.Decode(&c); err != nil {
		return nil, fmt.Errorf("unmarshaling: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Client represents an individual oauth2/oidc client.
type Client struct {
	// ID is the identifier for this client, corresponds to the client ID.
	ID string `json:"id"`
	// Secrets is a list of valid client secrets for this client.
	Secrets []string `json:"clientSecrets,omitempty"`
	// SecretHashes is a list of bcrypt hashes of valid client secrets. A
	// confidential client needs at least one Secret or SecretHash.
	SecretHashes []string `json:"clientSecretHashes,omitempty"`
	// RedirectURLs is a list of valid redirect URLs for this client. At least
	// one is required. These are an exact match, except for the port of
	// loopback addresses.
	RedirectURLs []string `json:"redirectURLs"`
	// Public indicates that this client is public. A "public" client is one who
	// can't keep their credentials confidential.
	// https://datatracker.ietf.org/doc/html/rfc6749#section-2.1
	Public bool `json:"public,omitempty"`
}

// Validate checks the client list is usable.
func (c *Clients) Validate() error {
	seen := map[string]bool{}
	var errs []error
	for i, cl := range c.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Errorf("client %d: id is required", i))
			continue
		}
		if seen[cl.ID] {
			errs = append(errs, fmt.Errorf("client %s: duplicate id", cl.ID))
		}
		seen[cl.ID] = true
		if len(cl.RedirectURLs) == 0 {
			errs = append(errs, fmt.Errorf("client %s: at least one redirect URL is required", cl.ID))
		}
		if !cl.Public && len(cl.Secrets) == 0 && len(cl.SecretHashes) == 0 {
			errs = append(errs, fmt.Errorf("client %s: confidential clients need a secret", cl.ID))
		}
		for _, h := range cl.SecretHashes {
			if _, err := bcrypt.Cost([]byte(h)); err != nil {
				errs = append(errs, fmt.Errorf("client %s: invalid secret hash: %w", cl.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Clients) IsValidClientID(_ context.Context, clientID string) (ok bool, err error) {
	_, ok = c.getClient(clientID)
	return ok, nil
}

func (c *Clients) IsPublic(_ context.Context, clientID string) (bool, error) {
	cl, ok := c.getClient(clientID)
	if !ok {
		return false, fmt.Errorf("invalid client ID")
	}
	return cl.Public, nil
}

func (c *Clients) ValidateClientSecret(_ context.Context, clientID, clientSecret string) (ok bool, err error) {
	cl, ok := c.getClient(clientID)
	if !ok {
		return false, fmt.Errorf("invalid client ID")
	}
	if clientSecret == "" {
		return false, nil
	}

	if slices.ContainsFunc(cl.Secrets, func(s string) bool {
		return subtle.ConstantTimeCompare([]byte(s), []byte(clientSecret)) == 1
	}) {
		return true, nil
	}
	for _, h := range cl.SecretHashes {
		err := bcrypt.CompareHashAndPassword([]byte(h), []byte(clientSecret))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, fmt.Errorf("comparing secret hash: %w", err)
		}
	}
	return false, nil
}

func (c *Clients) RedirectURIs(_ context.Context, clientID string) ([]string, error) {
	cl, ok := c.getClient(clientID)
	if !ok {
		return nil, fmt.Errorf("invalid client ID")
	}

	return cl.RedirectURLs, nil
}

func (c *Clients) getClient(id string) (Client, bool) {
	for _, c := range c.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return Client{}, false
}

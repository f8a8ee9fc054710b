// Package config loads the configuration file for the token service.
//
// The file is JSON. Before decoding, ${VAR} references are expanded from the
// environment, with ${VAR:-default} falling back to default when VAR is unset
// or empty. Unknown fields are rejected. Durations are Go duration strings,
// e.g. "1h" or "720h".
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lds.li/oidctoken/internal/th"
	"lds.li/oidctoken/oauth2as"
	"lds.li/oidctoken/oauth2as/staticclients"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/sealer"
)

const (
	DefaultListenAddr    = "localhost:8085"
	DefaultPurgeInterval = 5 * time.Minute
)

// ReplayDriver selects the replay store implementation.
type ReplayDriver string

const (
	ReplayDriverMemory   ReplayDriver = "memory"
	ReplayDriverSQLite   ReplayDriver = "sqlite"
	ReplayDriverPostgres ReplayDriver = "postgres"
)

// JSONDuration is a time.Duration that is represented in JSON as a duration
// string.
type JSONDuration time.Duration

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *JSONDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = JSONDuration(v)
	return nil
}

// Replay configures the replay store.
type Replay struct {
	// Driver defaults to memory, which is only suitable for a single
	// instance.
	Driver ReplayDriver `json:"driver,omitempty"`
	// DSN is the SQLite file name or the Postgres connection string.
	DSN string `json:"dsn,omitempty"`
	// CacheEntries, if set, fronts the store with a local cache of this many
	// recently reserved IDs.
	CacheEntries int64 `json:"cache_entries,omitempty"`
	// PurgeInterval is how often expired reservations are deleted. Defaults
	// to DefaultPurgeInterval.
	PurgeInterval JSONDuration `json:"purge_interval,omitempty"`
}

// Config is the service configuration file.
type Config struct {
	Issuer     string `json:"issuer"`
	ListenAddr string `json:"listen_addr,omitempty"`

	AccessTokenTTL       JSONDuration `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL      JSONDuration `json:"refresh_token_ttl,omitempty"`
	AuthorizationCodeTTL JSONDuration `json:"authorization_code_ttl,omitempty"`
	IDTokenTTL           JSONDuration `json:"id_token_ttl,omitempty"`
	ClockSkewTolerance   JSONDuration `json:"clock_skew_tolerance,omitempty"`

	RefreshTokenRotation oauth2as.RefreshTokenRotation `json:"refresh_token_rotation,omitempty"`
	PKCERequired         oauth2as.PKCEPolicy           `json:"pkce_required,omitempty"`
	DropAccessTokenACR   bool                          `json:"drop_access_token_acr,omitempty"`

	// InlineSealerKeys are the sealing keys, with base64 material. Exactly
	// one of InlineSealerKeys and SealerKeysFile is set.
	InlineSealerKeys []sealer.Key `json:"sealer_keys,omitempty"`
	// SealerKeysFile is a key file in sealer.KeyFile form. It is watched, and
	// the keys are rotated when it changes.
	SealerKeysFile string `json:"sealer_keys_file,omitempty"`

	// SigningKeysetFile is a cleartext tink JSON keyset for signing ID tokens.
	// If unset, an ephemeral ES256 key is generated at startup.
	SigningKeysetFile string `json:"signing_keyset_file,omitempty"`

	Replay Replay `json:"replay"`

	// Clients are the registered clients. ClientsFile can be used instead,
	// in staticclients format.
	Clients     []staticclients.Client `json:"clients,omitempty"`
	ClientsFile string                 `json:"clients_file,omitempty"`

	// DevAuthorization serves a login form on /authorize that issues codes
	// for any subject. Never enable this outside of development.
	DevAuthorization bool `json:"dev_authorization,omitempty"`
}

// Load reads and parses the configuration file at path. Relative file paths
// in the configuration are resolved against the directory of path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&c.SealerKeysFile, &c.SigningKeysetFile, &c.ClientsFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return c, nil
}

// Parse expands environment references in b, decodes it strictly, fills
// defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	jd := json.NewDecoder(strings.NewReader(th.ExpandEnv(string(b))))
	jd.DisallowUnknownFields()

	var c Config
	if err := jd.Decode(&c); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Replay.Driver == "" {
		c.Replay.Driver = ReplayDriverMemory
	}
	if c.Replay.PurgeInterval == 0 {
		c.Replay.PurgeInterval = JSONDuration(DefaultPurgeInterval)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for consistency. Policy values are
// checked again by oauth2as.NewServer.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}

	for name, d := range map[string]JSONDuration{
		"access_token_ttl":       c.AccessTokenTTL,
		"refresh_token_ttl":      c.RefreshTokenTTL,
		"authorization_code_ttl": c.AuthorizationCodeTTL,
		"id_token_ttl":           c.IDTokenTTL,
		"clock_skew_tolerance":   c.ClockSkewTolerance,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s can not be negative", name))
		}
	}

	switch c.RefreshTokenRotation {
	case "", oauth2as.RefreshTokenRotationOff, oauth2as.RefreshTokenRotationRotateAndRevoke:
	default:
		errs = append(errs, fmt.Errorf("unknown refresh_token_rotation %q", c.RefreshTokenRotation))
	}
	switch c.PKCERequired {
	case "", oauth2as.PKCERequiredNone, oauth2as.PKCERequiredPublicClients, oauth2as.PKCERequiredAll:
	default:
		errs = append(errs, fmt.Errorf("unknown pkce_required %q", c.PKCERequired))
	}

	if (len(c.InlineSealerKeys) == 0) == (c.SealerKeysFile == "") {
		errs = append(errs, errors.New("exactly one of sealer_keys and sealer_keys_file must be set"))
	}

	switch c.Replay.Driver {
	case ReplayDriverMemory:
	case ReplayDriverSQLite, ReplayDriverPostgres:
		if c.Replay.DSN == "" {
			errs = append(errs, fmt.Errorf("replay dsn is required for driver %s", c.Replay.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown replay driver %q", c.Replay.Driver))
	}
	if c.Replay.CacheEntries < 0 {
		errs = append(errs, errors.New("replay cache_entries can not be negative"))
	}
	if c.Replay.PurgeInterval < 0 {
		errs = append(errs, errors.New("replay purge_interval can not be negative"))
	}

	if len(c.Clients) > 0 && c.ClientsFile != "" {
		errs = append(errs, errors.New("only one of clients and clients_file can be set"))
	}

	return errors.Join(errs...)
}

// SealerKeys returns the configured sealing keys, reading the key file if one
// is configured.
func (c *Config) SealerKeys() ([]sealer.Key, error) {
	if c.SealerKeysFile != "" {
		return sealer.LoadKeyFile(c.SealerKeysFile)
	}
	return c.InlineSealerKeys, nil
}

// StaticClients returns the client registry, from the inline clients or the
// clients file.
func (c *Config) StaticClients() (*staticclients.Clients, error) {
	if c.ClientsFile != "" {
		b, err := os.ReadFile(c.ClientsFile)
		if err != nil {
			return nil, fmt.Errorf("reading clients file: %w", err)
		}
		return staticclients.ExpandUnmarshal(b)
	}
	sc := &staticclients.Clients{Clients: c.Clients}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// OpenReplayStore opens the configured replay store. The returned function
// releases it.
func (c *Config) OpenReplayStore(ctx context.Context) (replay.Store, func(), error) {
	var (
		store replay.Store
		release func()
	)
	switch c.Replay.Driver {
	case ReplayDriverMemory:
		store, release = replay.NewMemStore(), func() {}
	case ReplayDriverSQLite:
		s, err := replay.NewSQLiteStore(ctx, c.Replay.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, release = s, func() { _ = s.Close() }
	case ReplayDriverPostgres:
		s, err := replay.OpenPostgresStore(ctx, c.Replay.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, release = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown replay driver %q", c.Replay.Driver)
	}

	if c.Replay.CacheEntries > 0 {
		cs, err := replay.NewCachedStore(store, c.Replay.CacheEntries)
		if err != nil {
			release()
			return nil, nil, err
		}
		inner := release
		store, release = cs, func() {
			cs.Close()
			inner()
		}
	}
	return store, release, nil
}

// ServerConfig returns the token endpoint policy. The caller supplies the
// sealer, replay store, clients, signer and logger.
func (c *Config) ServerConfig() oauth2as.Config {
	return oauth2as.Config{
		Issuer:               c.Issuer,
		AccessTokenTTL:       time.Duration(c.AccessTokenTTL),
		RefreshTokenTTL:      time.Duration(c.RefreshTokenTTL),
		AuthorizationCodeTTL: time.Duration(c.AuthorizationCodeTTL),
		IDTokenTTL:           time.Duration(c.IDTokenTTL),
		ClockSkew:            time.Duration(c.ClockSkewTolerance),
		RefreshTokenRotation: c.RefreshTokenRotation,
		PKCERequired:         c.PKCERequired,
		DropAccessTokenACR:   c.DropAccessTokenACR,
	}
}

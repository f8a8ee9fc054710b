// Command oidc-token-op serves the token and UserInfo endpoints of an OpenID
// Connect provider that issues self-contained sealed tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/oidctoken/config"
	"lds.li/oidctoken/idtoken"
	"lds.li/oidctoken/oauth2as"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/sealer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "oidc-token-op.json", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	keys, err := cfg.SealerKeys()
	if err != nil {
		return fmt.Errorf("loading sealer keys: %w", err)
	}
	s, err := sealer.New(keys)
	if err != nil {
		return fmt.Errorf("creating sealer: %w", err)
	}
	if cfg.SealerKeysFile != "" {
		if err := sealer.WatchKeyFile(ctx, cfg.SealerKeysFile, s, logger); err != nil {
			return fmt.Errorf("watching sealer keys: %w", err)
		}
	}

	store, release, err := cfg.OpenReplayStore(ctx)
	if err != nil {
		return fmt.Errorf("opening replay store: %w", err)
	}
	defer release()
	if p, ok := store.(replay.Purger); ok {
		go purgeReplayStore(ctx, p, time.Duration(cfg.Replay.PurgeInterval), logger)
	}

	clients, err := cfg.StaticClients()
	if err != nil {
		return fmt.Errorf("parsing clients: %w", err)
	}

	signer, err := loadSigner(cfg.SigningKeysetFile, logger)
	if err != nil {
		return err
	}

	scfg := cfg.ServerConfig()
	scfg.Sealer = s
	scfg.ReplayStore = store
	scfg.Clients = clients
	scfg.IDTokenSigner = signer
	scfg.Logger = logger
	core, err := oauth2as.NewServer(scfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if cfg.DevAuthorization {
		logger.Warn("development authorization endpoint enabled, any subject can log in")
	}
	r := newRouter(core, logger, cfg.DevAuthorization)

	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		serverErr <- hs.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// newRouter mounts the token and UserInfo endpoints, and the development
// authorization endpoint if dev is set.
func newRouter(core *oauth2as.Server, logger *slog.Logger, dev bool) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog(logger))
	r.Handle(oauth2as.DefaultTokenEndpoint, core).Methods(http.MethodPost)
	r.Handle(oauth2as.DefaultUserinfoEndpoint, core).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if dev {
		da := &devAuthorizer{server: core, logger: logger, now: time.Now}
		r.HandleFunc("/authorize", da.startAuthorization).Methods(http.MethodGet)
		r.HandleFunc("/finish", da.finishAuthorization).Methods(http.MethodPost)
	}
	return r
}

// loadSigner reads a cleartext tink JSON keyset from path, or generates an
// ephemeral ES256 keyset if path is empty.
func loadSigner(path string, logger *slog.Logger) (*idtoken.KeysetSigner, error) {
	var h *keyset.Handle
	if path == "" {
		logger.Warn("no signing keyset configured, generating an ephemeral ES256 key")
		var err error
		h, err = keyset.NewHandle(jwt.ES256Template())
		if err != nil {
			return nil, fmt.Errorf("generating signing keyset: %w", err)
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening signing keyset: %w", err)
		}
		defer f.Close()
		h, err = insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
		if err != nil {
			return nil, fmt.Errorf("reading signing keyset %s: %w", path, err)
		}
	}
	return idtoken.NewKeysetSigner(h)
}

func purgeReplayStore(ctx context.Context, p replay.Purger, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Purge(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "purging replay store", "err", err)
				continue
			}
			logger.DebugContext(ctx, "purged replay store", "removed", n)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			logger.DebugContext(req.Context(), "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		})
	}
}

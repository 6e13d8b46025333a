package extension

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/internal/auth"
	"github.com/alovak/payment-extension/internal/gateway"
	"github.com/alovak/payment-extension/internal/gateway/httpgateway"
	acquirer "github.com/alovak/payment-extension/internal/gateway/iso8583"
	"github.com/alovak/payment-extension/internal/middleware"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/alovak/payment-extension/internal/platform/httpclient"
	"github.com/alovak/payment-extension/internal/platform/memory"
	"github.com/alovak/payment-extension/internal/platform/postgres"
	"github.com/alovak/payment-extension/internal/ratelimit"
	"github.com/alovak/payment-extension/internal/throttle"
	"github.com/alovak/payment-extension/internal/throttle/boltstore"
)

// App is the main application, it contains all the components of the
// extension and is responsible for starting and stopping them.
type App struct {
	srv     *http.Server
	wg      *sync.WaitGroup
	Addr    string
	logger  *slog.Logger
	config  *Config
	closers []io.Closer
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "extension"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	mode, err := auth.ParseMode(a.config.AuthMode)
	if err != nil {
		return err
	}
	if mode == auth.ModePresenceOnly {
		a.logger.Warn("auth_mode=presence: credentials are not compared, any token is accepted for configured projects")
	}

	secrets := make(map[string]string, len(a.config.Projects))
	for key, p := range a.config.Projects {
		secrets[key] = p.Credential
	}
	credentials, err := auth.NewCredentialStore(secrets)
	if err != nil {
		return fmt.Errorf("creating credential store: %w", err)
	}

	platforms, err := a.platforms()
	if err != nil {
		a.close()
		return err
	}
	a.logger.Info("platform configured",
		slog.String("backend", a.config.Platform.Backend),
		slog.Any("projects", platforms.ProjectKeys()),
	)

	gw, err := a.gateway()
	if err != nil {
		a.close()
		return err
	}

	denylist, err := a.denylist()
	if err != nil {
		a.close()
		return err
	}

	gate := throttle.NewGate(a.logger, denylist, a.config.Throttle.Delay)
	a.logger.Info("slowed users are delayed", slog.Duration("delay", gate.Delay()), slog.Int("listed", len(denylist.List())))
	service := NewService(a.logger, platforms, gw, gate, a.config.CallTimeout)

	opts := []APIOption{WithRateLimiter(ratelimit.New(a.config.RateLimit))}
	if a.config.DevRoutes {
		opts = append(opts, WithDevRoutes())
	}
	api := NewAPI(a.logger, service, auth.NewGate(credentials, mode), denylist, opts...)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	api.AppendRoutes(router)

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) platforms() (*platform.Registry, error) {
	clients := make(map[string]platform.Client, len(a.config.Projects))

	switch a.config.Platform.Backend {
	case PlatformHTTP:
		for key, p := range a.config.Projects {
			clients[key] = httpclient.New(p.APIURL, key, p.AccessToken, nil)
		}
	case PlatformMemory:
		for key := range a.config.Projects {
			clients[key] = memory.New()
		}
	case PlatformPostgres:
		db, err := sql.Open("postgres", a.config.Platform.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		a.closers = append(a.closers, db)

		ctx, cancel := context.WithTimeout(context.Background(), a.config.CallTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		for key := range a.config.Projects {
			clients[key] = postgres.New(db, key)
		}
	default:
		return nil, fmt.Errorf("unsupported platform backend %q", a.config.Platform.Backend)
	}

	return platform.NewRegistry(clients), nil
}

func (a *App) gateway() (gateway.Client, error) {
	cfg := a.config.Gateway

	switch cfg.Backend {
	case GatewayHTTP:
		return httpgateway.New(cfg.URL, cfg.APIKey, cfg.MerchantAccount, nil), nil
	case GatewayISO8583:
		client, err := acquirer.Dial(a.logger, cfg.AcquirerAddr, a.config.CallTimeout)
		if err != nil {
			return nil, fmt.Errorf("dialing acquirer: %w", err)
		}
		a.closers = append(a.closers, client)
		return client, nil
	}

	return nil, fmt.Errorf("unsupported gateway backend %q", cfg.Backend)
}

func (a *App) denylist() (*throttle.Denylist, error) {
	path := a.config.Throttle.DenylistPath
	if path == "" {
		return throttle.NewDenylist(), nil
	}

	store, err := boltstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening denylist store: %w", err)
	}
	a.closers = append(a.closers, store)

	list, err := throttle.NewPersistentDenylist(store)
	if err != nil {
		return nil, fmt.Errorf("loading denylist: %w", err)
	}
	a.logger.Info("denylist loaded", slog.String("path", path), slog.Int("entries", len(list.List())))

	return list, nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error("closing resource", "err", err)
		}
	}
	a.closers = nil
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		a.srv.Shutdown(context.Background())
	}

	a.wg.Wait()

	a.close()

	a.logger.Info("app stopped")
}

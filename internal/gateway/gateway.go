// ABOUTME: Gateway orchestrator that owns the store, router, worker pool and servers
// ABOUTME: Wires the Matrix bridge and helpdesk adapters and runs the HTTP server until shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"maunium.net/go/mautrix/id"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/deskbridge/internal/auth"
	"github.com/2389/deskbridge/internal/config"
	"github.com/2389/deskbridge/internal/dedupe"
	"github.com/2389/deskbridge/internal/dispatch"
	"github.com/2389/deskbridge/internal/mapping"
	"github.com/2389/deskbridge/internal/matrix"
	"github.com/2389/deskbridge/internal/namecache"
	"github.com/2389/deskbridge/internal/platform"
	"github.com/2389/deskbridge/internal/platform/freshchat"
	"github.com/2389/deskbridge/internal/platform/zendesk"
	"github.com/2389/deskbridge/internal/router"
	"github.com/2389/deskbridge/internal/store"
)

// runner is a long-lived component started alongside the HTTP server.
type runner interface {
	Run(ctx context.Context) error
}

// Deps are the externally constructed components of a Gateway. New builds
// them from configuration; tests supply fakes.
type Deps struct {
	Store     store.Store
	Platforms []platform.Client
	Webhooks  []platform.Webhook
	Client    router.ClientSender
}

// Gateway is the main deskbridge server.
type Gateway struct {
	config    *config.Config
	backend   store.Store
	mappings  *mapping.Store
	dedupe    *dedupe.Set
	pool      *dispatch.Pool
	router    *router.Router
	platforms []store.Platform
	webhooks  map[store.Platform]platform.Webhook
	verifier  auth.TokenVerifier
	logger    *slog.Logger

	bridge      runner
	crypto      *matrix.Crypto
	redis       *redis.Client
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	addrMu sync.Mutex
	addr   net.Addr

	shutdownOnce sync.Once
	shutdownErr  error
}

// OpenStore opens the configured mapping backend.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	case "", "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// New creates a Gateway from configuration, connecting to the database,
// the helpdesk APIs and the Matrix homeserver.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gw *Gateway, err error) {
	backend, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	var (
		redisClient *redis.Client
		crypto      *matrix.Crypto
	)
	defer func() {
		if err == nil {
			return
		}
		if crypto != nil {
			_ = crypto.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		_ = backend.Close()
	}()

	var kv namecache.KV = namecache.NewMemoryKV(time.Now)
	if cfg.Redis.URL != "" {
		var redisKV *namecache.RedisKV
		redisKV, redisClient, err = namecache.NewRedisKVFromURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		kv = redisKV
	}

	httpClient := &http.Client{Timeout: cfg.Server.ClientTimeout}
	platforms, webhooks, err := buildPlatforms(cfg, httpClient, kv, logger)
	if err != nil {
		return nil, err
	}

	mxClient, err := matrix.NewClient(matrix.ClientConfig{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		DeviceID:    cfg.Matrix.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Matrix.Encryption {
		crypto, err = matrix.SetupCrypto(ctx, mxClient, cfg.Matrix.RecoveryKey, cfg.Matrix.DataDir, logger)
		if err != nil {
			return nil, err
		}
	}
	sender := matrix.NewSender(mxClient, logger)

	gw, err = assemble(cfg, Deps{
		Store:     backend,
		Platforms: platforms,
		Webhooks:  webhooks,
		Client:    sender,
	}, logger)
	if err != nil {
		return nil, err
	}

	gw.redis = redisClient
	gw.crypto = crypto
	gw.bridge = matrix.NewBridge(matrix.BridgeConfig{
		UserID:       id.UserID(cfg.Matrix.UserID),
		AllowedRooms: cfg.Matrix.AllowedRooms,
		RoomTenants:  cfg.Matrix.RoomTenants,
		Welcome:      gw.router.Notices().Welcome,
		TaskTimeout:  cfg.Router.TaskTimeout,
	}, mxClient, mxClient, sender, gw.router, gw.pool, gw.dedupe, logger)

	return gw, nil
}

// buildPlatforms constructs the enabled helpdesk adapters and their webhook verifiers.
func buildPlatforms(cfg *config.Config, httpClient *http.Client, kv namecache.KV, logger *slog.Logger) ([]platform.Client, []platform.Webhook, error) {
	var (
		clients  []platform.Client
		webhooks []platform.Webhook
	)

	if cfg.Freshchat.Enabled {
		client, err := freshchat.NewClient(freshchat.Config{
			APIURL:     cfg.Freshchat.APIURL,
			APIKey:     cfg.Freshchat.APIKey,
			ChannelID:  cfg.Freshchat.ChannelID,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating freshchat client: %w", err)
		}
		hook, err := freshchat.NewWebhook(cfg.Freshchat.WebhookPublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("loading freshchat webhook key: %w", err)
		}
		clients = append(clients, namecache.Wrap(client, kv, cfg.Redis.AgentNameTTL, logger))
		webhooks = append(webhooks, hook)
	}

	if cfg.Zendesk.Enabled {
		client, err := zendesk.NewClient(zendesk.Config{
			Subdomain:  cfg.Zendesk.Subdomain,
			BaseURL:    cfg.Zendesk.BaseURL,
			Email:      cfg.Zendesk.Email,
			APIToken:   cfg.Zendesk.APIToken,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating zendesk client: %w", err)
		}
		clients = append(clients, namecache.Wrap(client, kv, cfg.Redis.AgentNameTTL, logger))
		webhooks = append(webhooks, zendesk.NewWebhook(cfg.Zendesk.WebhookSecret))
	}

	return clients, webhooks, nil
}

// assemble builds the routing core around already constructed dependencies.
// It takes ownership of deps.Store.
func assemble(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tenants := make(map[string]store.Platform, len(cfg.Router.Tenants))
	for tenant, name := range cfg.Router.Tenants {
		p, err := store.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("router.tenants[%s]: %w", tenant, err)
		}
		tenants[tenant] = p
	}
	var defaultPlatform store.Platform
	if cfg.Router.DefaultPlatform != "" {
		p, err := store.ParsePlatform(cfg.Router.DefaultPlatform)
		if err != nil {
			return nil, fmt.Errorf("router.default_platform: %w", err)
		}
		defaultPlatform = p
	}

	cache := mapping.NewCache(
		mapping.WithTTL(cfg.Cache.TTL),
		mapping.WithMaxEntries(cfg.Cache.MaxEntries),
	)
	mappings := mapping.NewStore(deps.Store, cache, logger)
	seen := dedupe.NewSet(
		dedupe.WithTTL(cfg.Dedupe.TTL),
		dedupe.WithMaxSize(cfg.Dedupe.MaxEntries),
	)

	m := cfg.Router.Messages
	rt, err := router.New(router.Config{
		Store:           mappings,
		Suppressor:      seen,
		Client:          deps.Client,
		Platforms:       deps.Platforms,
		DefaultPlatform: defaultPlatform,
		TenantPlatforms: tenants,
		RecoverByUser:   cfg.Router.RecoverByUser,
		Notices: router.DefaultNotices(cfg.Router.Locale).Merge(router.Notices{
			Greeting:        m.Greeting,
			Failure:         m.Failure,
			NewConversation: m.NewConversation,
			ProcessingError: m.ProcessingError,
			Closure:         m.Closure,
			Welcome:         m.Welcome,
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		backend:  deps.Store,
		mappings: mappings,
		dedupe:   seen,
		router:   rt,
		webhooks: make(map[store.Platform]platform.Webhook, len(deps.Webhooks)),
		logger:   logger,
	}
	for _, client := range deps.Platforms {
		gw.platforms = append(gw.platforms, client.Platform())
	}
	for _, hook := range deps.Webhooks {
		gw.webhooks[hook.Platform()] = hook
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	} else {
		logger.Warn("auth.jwt_secret not set, admin API disabled")
	}

	gw.pool = dispatch.New(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, logger)
	gw.httpServer = &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler serving webhooks, probes and the admin API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.registerWebhookRoutes(mux)
	g.registerAPIRoutes(mux)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)
	return mux
}

// Addr returns the bound listener address once Run has started serving.
func (g *Gateway) Addr() net.Addr {
	g.addrMu.Lock()
	defer g.addrMu.Unlock()
	return g.addr
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

func (g *Gateway) startServers(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if g.bridge != nil {
		go func() {
			if err := g.bridge.Run(ctx); err != nil {
				errCh <- fmt.Errorf("matrix bridge error: %w", err)
			}
		}()
	}

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and the Matrix bridge and blocks until ctx is
// cancelled or a component fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	g.addrMu.Lock()
	g.addr = ln.Addr()
	g.addrMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, ln)
	runErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	if err := g.gracefulShutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "deskbridge", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens there. With Funnel the
// webhook endpoints are reachable from the public internet over HTTPS.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting webhooks, drains queued routing work and closes
// every owned resource. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "dispatch drain", g.pool.Shutdown(ctx))

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		if g.crypto != nil {
			errs = appendCloseError(errs, "matrix crypto close", g.crypto.Close())
		}
		if g.redis != nil {
			errs = appendCloseError(errs, "redis close", g.redis.Close())
		}
		errs = appendCloseError(errs, "store close", g.backend.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.shutdownErr
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.mappings.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d platforms)", len(g.webhooks))
}

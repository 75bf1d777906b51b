package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"nexus-orchestrator/backend/internal/auth"
	"nexus-orchestrator/backend/internal/connector"
	"nexus-orchestrator/backend/internal/engine"
	"nexus-orchestrator/backend/internal/jsonrpc"
	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/internal/services"
	"nexus-orchestrator/backend/internal/telemetry"
)

// openRepository connects to Postgres and applies pending migrations.
func (a *app) openRepository(ctx context.Context) (*repository.Postgres, error) {
	db := a.cfg.DB
	connStr := repository.ConnString(db.Host, db.Port, db.User, db.Password, db.Name, db.SSLMode)
	repo, err := repository.Connect(ctx, connStr, a.log)
	if err != nil {
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	a.log.Info("Database connected")
	return repo, nil
}

// channelOptions configures the websocket sessions opened to connectors.
func (a *app) channelOptions() []jsonrpc.Option {
	c := a.cfg.Connectors
	header := http.Header{}
	header.Set("User-Agent", fmt.Sprintf("%s/%s", a.cfg.App.Name, version))
	return []jsonrpc.Option{
		jsonrpc.WithRequestTimeout(c.RequestTimeout),
		jsonrpc.WithPingInterval(c.PingInterval),
		jsonrpc.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}),
		jsonrpc.WithHeader(header),
	}
}

func (a *app) newResolver() (*connector.Resolver, error) {
	c := a.cfg.Connectors
	opts := connector.ResolverOptions{
		CacheSize:    c.CacheSize,
		TTL:          c.CacheTTL,
		FetchTimeout: c.FetchTimeout,
		Logger:       a.log,
	}
	if c.Web3URL != "" {
		opts.Builtins = append(opts.Builtins, connector.Web3Schema(c.Web3URL))
	}

	var sources []connector.Source
	if c.SchemaDir != "" {
		sources = append(sources, connector.NewDirSource(c.SchemaDir))
	}
	if c.SchemaURL != "" {
		src := connector.NewHTTPSource(c.SchemaURL, c.FetchTimeout)
		sources = append(sources, src)
		opts.Versioner = src
	}
	if len(sources) == 0 {
		a.log.Warn("no connector schema source configured")
	}
	return connector.NewResolver(opts, sources...)
}

// runtime bundles the engine and the registry built on top of it.
type runtime struct {
	repo     *repository.Postgres
	resolver *connector.Resolver
	tokens   *auth.AccessTokens
	manager  *engine.Manager
	service  *services.WorkflowService
}

func (rt *runtime) Close() {
	rt.resolver.Close()
	rt.repo.Close()
}

func (a *app) newRuntime(ctx context.Context) (*runtime, error) {
	tokens, err := auth.NewAccessTokens(a.cfg.Auth.MasterKey)
	if err != nil {
		return nil, err
	}
	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := a.newResolver()
	if err != nil {
		repo.Close()
		return nil, err
	}

	meter := otel.GetMeterProvider().Meter(telemetry.InstrumentationName)
	tracker, err := telemetry.NewTracker(meter, a.log)
	if err != nil {
		resolver.Close()
		repo.Close()
		return nil, err
	}
	reporter, err := telemetry.NewErrorReporter(meter, a.log)
	if err != nil {
		resolver.Close()
		repo.Close()
		return nil, err
	}

	opts := engine.DefaultOptions()
	opts.KeepAliveInterval = a.cfg.KeepAliveInterval()
	manager := engine.NewManager(engine.Deps{
		Resolver: resolver,
		Logs:     repo,
		States:   repo,
		Dial:     engine.DialChannel(a.log, a.channelOptions()...),
		Signer:   tokens,
		Tracker:  tracker,
		Reporter: reporter,
		Logger:   a.log,
	}, opts)

	service, err := services.NewWorkflowService(repo, manager, manager.Actions(), tracker, a.log)
	if err != nil {
		resolver.Close()
		repo.Close()
		return nil, err
	}
	return &runtime{
		repo:     repo,
		resolver: resolver,
		tokens:   tokens,
		manager:  manager,
		service:  service,
	}, nil
}

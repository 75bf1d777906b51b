package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"nexus-orchestrator/backend/internal/api"
	"nexus-orchestrator/backend/internal/auth"
	"nexus-orchestrator/backend/internal/mcp"
	"nexus-orchestrator/backend/internal/telemetry"
	"nexus-orchestrator/backend/internal/tls"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow runtimes and the registry API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	a.log.Info("Starting orchestrator", "version", version, "environment", cfg.Environment)

	providers, err := telemetry.Setup(ctx, telemetry.ProviderConfig{
		ServiceName:    cfg.App.Name,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ExportInterval: cfg.Telemetry.ExportInterval,
	}, a.log)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			a.log.Warn("Telemetry shutdown error", "error", err)
		}
	}()

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go rt.resolver.Watch(watchCtx, cfg.Connectors.VersionPoll)

	if cfg.Engine.LoadWorkflows {
		if _, err := rt.service.LoadAll(ctx); err != nil {
			return err
		}
	}

	authz, err := auth.New(ctx, cfg, rt.tokens, a.log)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(a.log)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(otelecho.Middleware(cfg.App.Name))

	e.GET("/health", api.NewHandler(rt.repo, version).HandleHealth)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(rt.service))

	mcpServer := mcp.NewServer(rt.service, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	addr := cfg.Server.Addr
	if cfg.TLS.Enable {
		addr = cfg.Server.TLSAddr
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return err
		}
		if created {
			a.log.Warn("generated self-signed certificate", "cert", cfg.TLS.CertFile)
		}
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.log.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = rt.manager.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		a.log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Server shutdown error", "error", err)
		_ = server.Close()
	}
	if err := rt.manager.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Runtime shutdown error", "error", err)
	}
	a.log.Info("Server stopped gracefully")
	return nil
}

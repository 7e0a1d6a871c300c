package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/jamestelfer/tollgate/internal/config"
	"github.com/jamestelfer/tollgate/internal/jwt"
	"github.com/jamestelfer/tollgate/internal/keys"
	"github.com/jamestelfer/tollgate/internal/observe"
	"github.com/jamestelfer/tollgate/internal/permissions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(ctx context.Context, cfg config.Config) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	resolver, err := configureKeyResolver(ctx, cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("key resolver configuration failed: %w", err)
	}

	verifier, err := jwt.NewVerifier(cfg.Authorization, resolver)
	if err != nil {
		return nil, fmt.Errorf("token verifier configuration failed: %w", err)
	}

	authenticator := jwt.Middleware(verifier)

	routePermissions, err := config.LoadRoutePermissions(cfg.Routes.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("route permissions could not be loaded: %w", err)
	}

	registry, err := permissions.NewRegistryFrom(config.NewRequirementsService(routePermissions))
	if err != nil {
		return nil, fmt.Errorf("route permissions configuration failed: %w", err)
	}

	// The request body size is limited to prevent accidental or deliberate
	// abuse of the upstream.
	requestLimitBytes := int64(1 << 20) // 1 MiB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authenticatedRouteMiddleware := alice.New(auditor, requestLimiter, authenticator)
	authorizedRouteMiddleware := authenticatedRouteMiddleware.Append(registry.Guard())

	if patterns := registry.Patterns(); len(patterns) > 0 {
		proxy, err := newUpstreamProxy(cfg.Routes.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("upstream configuration failed: %w", err)
		}

		for _, pattern := range patterns {
			err := handle(mux, pattern, authorizedRouteMiddleware.Then(proxy))
			if err != nil {
				return nil, err
			}

			log.Info().
				Str("route", pattern).
				Strs("permissions", registry.Requirement(pattern)).
				Msg("proxied route configured")
		}
	}

	err = handle(mux, "GET /whoami", authenticatedRouteMiddleware.Then(handleWhoAmI()))
	if err != nil {
		return nil, err
	}

	// healthchecks are not included in telemetry
	err = handle(muxWithoutTelemetry, "GET /healthcheck", handleHealthCheck())
	if err != nil {
		return nil, err
	}

	return mux, nil
}

// configureKeyResolver creates the resolver for the issuer's key set, fetching
// it ahead of the first request. The gateway still starts if the key set is
// unavailable: requests fail until it can be fetched.
func configureKeyResolver(ctx context.Context, cfg config.AuthorizationConfig) (*keys.Resolver, error) {
	keySetURL, err := cfg.KeySetURL()
	if err != nil {
		return nil, err
	}

	resolver, err := keys.New(keySetURL,
		keys.WithHTTPClient(http.DefaultClient),
		keys.WithCacheTTL(cfg.CacheTTL()),
		keys.WithFetchTimeout(cfg.FetchTimeout()),
		keys.WithRequestsPerMinute(cfg.JWKSRequestsPerMinute),
	)
	if err != nil {
		return nil, err
	}

	err = resolver.Warm(ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", keySetURL).Msg("key set could not be fetched at startup")
	} else {
		log.Info().Str("url", keySetURL).Msg("key set fetched")
	}

	return resolver, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(context.Background())
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HttpTransport(
		configureHttpTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// setup routing and dependencies
	handler, err := configureServerRoutes(ctx, cfg)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// start the server
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        handler,
		MaxHeaderBytes: 20 << 10, // 20 KB
	}

	server.RegisterOnShutdown(func() {
		log.Info().Msg("telemetry: shutting down")
		err := shutdownTelemetry(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry: shutdown failed")
		}
		log.Info().Msg("telemetry: shutdown complete")
	})

	err = serveHTTP(cfg.Server, server)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHttpTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHttpMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHttpMaxConnsPerHost

	return transport
}

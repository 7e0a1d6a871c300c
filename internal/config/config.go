package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	Observe       ObserveConfig
	Routes        RoutesConfig
	Server        ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHttpMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHttpMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

type AuthorizationConfig struct {
	// Issuer is compared verbatim with the "iss" claim of incoming tokens.
	Issuer   string `env:"JWT_ISSUER, required"`
	Audience string `env:"JWT_AUDIENCE, required"`

	// JWKSURL overrides the key set location derived from the issuer.
	JWKSURL string `env:"JWT_JWKS_URL"`

	JWKSRequestsPerMinute   int `env:"JWT_JWKS_REQUESTS_PER_MINUTE, default=5"`
	JWKSCacheTTLSeconds     int `env:"JWT_JWKS_CACHE_TTL_SECONDS, default=600"`
	JWKSFetchTimeoutSeconds int `env:"JWT_JWKS_FETCH_TIMEOUT_SECONDS, default=5"`
	AllowedClockSkewSeconds int `env:"JWT_ALLOWED_CLOCK_SKEW_SECONDS, default=0"`
}

type RoutesConfig struct {
	ConfigPath  string `env:"ROUTES_CONFIG_PATH"`
	UpstreamURL string `env:"UPSTREAM_URL"`
}

type ObserveConfig struct {
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_OTEL_SERVICE_NAME, default=tollgate"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HttpTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HttpConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (cfg Config, err error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration using the supplied lookuper, then checks
// the values that the environment tags cannot express.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (cfg Config, err error) {
	err = envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return
	}

	err = cfg.Authorization.Validate()
	return
}

// Validate ensures the issuer can be used to locate the key set, and that the
// key set limits are usable.
func (c AuthorizationConfig) Validate() error {
	var errs []error

	u, err := url.Parse(c.Issuer)
	if err != nil {
		errs = append(errs, fmt.Errorf("JWT_ISSUER is not a valid URL: %w", err))
	} else if !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		errs = append(errs, fmt.Errorf("JWT_ISSUER must be an absolute http(s) URL: %q", c.Issuer))
	}

	if c.JWKSURL != "" {
		if u, err := url.Parse(c.JWKSURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("JWT_JWKS_URL must be an absolute URL: %q", c.JWKSURL))
		}
	}

	if c.JWKSRequestsPerMinute < 1 {
		errs = append(errs, errors.New("JWT_JWKS_REQUESTS_PER_MINUTE must be at least 1"))
	}
	if c.JWKSCacheTTLSeconds < 1 {
		errs = append(errs, errors.New("JWT_JWKS_CACHE_TTL_SECONDS must be at least 1"))
	}
	if c.JWKSFetchTimeoutSeconds < 1 {
		errs = append(errs, errors.New("JWT_JWKS_FETCH_TIMEOUT_SECONDS must be at least 1"))
	}
	if c.AllowedClockSkewSeconds < 0 {
		errs = append(errs, errors.New("JWT_ALLOWED_CLOCK_SKEW_SECONDS cannot be negative"))
	}

	return errors.Join(errs...)
}

// KeySetURL is the location of the issuer's JSON Web Key Set. Unless
// overridden, it is the issuer with ".well-known/jwks.json" appended as a
// path segment: a trailing slash on the issuer is optional and is never
// doubled.
func (c AuthorizationConfig) KeySetURL() (string, error) {
	if c.JWKSURL != "" {
		return c.JWKSURL, nil
	}

	return url.JoinPath(c.Issuer, ".well-known", "jwks.json")
}

func (c AuthorizationConfig) CacheTTL() time.Duration {
	return time.Duration(c.JWKSCacheTTLSeconds) * time.Second
}

func (c AuthorizationConfig) FetchTimeout() time.Duration {
	return time.Duration(c.JWKSFetchTimeoutSeconds) * time.Second
}

func (c AuthorizationConfig) ClockSkew() time.Duration {
	return time.Duration(c.AllowedClockSkewSeconds) * time.Second
}

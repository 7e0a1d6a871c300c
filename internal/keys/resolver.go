package keys

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/maypok86/otter"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKeyNotFound         = errors.New("signing key not found in key set")
	ErrUpstreamUnavailable = errors.New("key set unavailable")
	ErrRateLimited         = errors.New("key set refresh rate limited")
)

const (
	DefaultCacheTTL          = 10 * time.Minute
	DefaultFetchTimeout      = 5 * time.Second
	DefaultRequestsPerMinute = 5

	// maxKeySetBytes bounds the size of the key set document read from the
	// upstream.
	maxKeySetBytes = 1 << 20

	cacheCapacity = 1_000
)

type cachedKey struct {
	key       SigningKey
	fetchedAt time.Time
}

// Resolver supplies the RSA signing keys published in a remote JSON Web Key
// Set. Keys are cached for the configured TTL, then served stale while a
// single background refresh runs. Requests to the upstream are coalesced and
// limited to a fixed number in any one minute.
//
// A Resolver is safe for concurrent use.
type Resolver struct {
	url               string
	client            *http.Client
	now               func() time.Time
	ttl               time.Duration
	staleFor          time.Duration
	fetchTimeout      time.Duration
	requestsPerMinute int
	meter             metric.Meter

	cache   otter.Cache[string, cachedKey]
	limiter *fetchWindow
	flight  singleflight.Group

	fetches metric.Int64Counter
	lookups metric.Int64Counter
}

type Option func(*Resolver)

// WithHTTPClient sets the client used to fetch the key set. The fetch timeout
// is applied per request in addition to any client timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithClock replaces the time source used for key freshness and rate
// limiting.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithStaleWindow sets how long a key may be served after its TTL has
// elapsed while a refresh is attempted. It defaults to the cache TTL.
func WithStaleWindow(d time.Duration) Option {
	return func(r *Resolver) {
		r.staleFor = d
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.fetchTimeout = d
	}
}

func WithRequestsPerMinute(n int) Option {
	return func(r *Resolver) {
		r.requestsPerMinute = n
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(r *Resolver) {
		r.meter = meter
	}
}

// New creates a resolver for the key set published at jwksURL.
func New(jwksURL string, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		url:               jwksURL,
		client:            http.DefaultClient,
		now:               time.Now,
		ttl:               DefaultCacheTTL,
		staleFor:          -1,
		fetchTimeout:      DefaultFetchTimeout,
		requestsPerMinute: DefaultRequestsPerMinute,
		meter:             otel.Meter("github.com/jamestelfer/tollgate/internal/keys"),
	}

	for _, opt := range opts {
		opt(r)
	}

	if jwksURL == "" {
		return nil, errors.New("key set URL is required")
	}
	if r.ttl <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %s", r.ttl)
	}
	if r.staleFor < 0 {
		r.staleFor = r.ttl
	}
	if r.fetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %s", r.fetchTimeout)
	}
	if r.requestsPerMinute < 1 {
		return nil, fmt.Errorf("at least one key set request per minute must be allowed, got %d", r.requestsPerMinute)
	}

	// otter evicts in real time: entries are kept for the whole stale window,
	// freshness is decided against the resolver's clock.
	cache, err := otter.
		MustBuilder[string, cachedKey](cacheCapacity).
		WithTTL(r.ttl + r.staleFor).
		Build()
	if err != nil {
		return nil, fmt.Errorf("key cache configuration failed: %w", err)
	}
	r.cache = cache

	r.limiter = newFetchWindow(r.requestsPerMinute, time.Minute)

	r.fetches = counter(r.meter, "tollgate.jwks.fetches", "Requests made to the upstream key set, by outcome.")
	r.lookups = counter(r.meter, "tollgate.jwks.lookups", "Signing key lookups, by cache result.")

	return r, nil
}

// URL is the location of the key set served by this resolver.
func (r *Resolver) URL() string {
	return r.url
}

// Key returns the signing key with the given key ID.
//
// A fresh cached key is returned without I/O. A stale key is returned
// immediately and a refresh is started in the background. Otherwise the
// caller waits for the (shared) upstream request: if the caller's context
// ends first, the request continues and still populates the cache.
func (r *Resolver) Key(ctx context.Context, kid string) (SigningKey, error) {
	if kid == "" {
		return SigningKey{}, fmt.Errorf("%w: no key ID supplied", ErrKeyNotFound)
	}

	if entry, ok := r.cache.Get(kid); ok {
		age := r.now().Sub(entry.fetchedAt)

		if age < r.ttl {
			r.recordLookup(ctx, "hit")
			return entry.key, nil
		}

		if age < r.ttl+r.staleFor {
			r.recordLookup(ctx, "stale")
			r.refreshInBackground(ctx)
			return entry.key, nil
		}
	}

	r.recordLookup(ctx, "miss")

	keys, err := r.refresh(ctx)
	if err != nil {
		return SigningKey{}, err
	}

	key, ok := keys[kid]
	if !ok {
		return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}

	return key, nil
}

// Warm fetches the key set ahead of the first request.
func (r *Resolver) Warm(ctx context.Context) error {
	_, err := r.refresh(ctx)
	return err
}

func (r *Resolver) refresh(ctx context.Context) (map[string]SigningKey, error) {
	// the fetch is shared, so it must not be bound to the lifetime of
	// whichever request happened to start it
	fetchCtx := context.WithoutCancel(ctx)

	result := r.flight.DoChan(r.url, func() (any, error) {
		return r.fetch(fetchCtx)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]SigningKey), nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ctx.Err())
	}
}

func (r *Resolver) refreshInBackground(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	go func() {
		_, err := r.refresh(ctx)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("url", r.url).Msg("jwks: background refresh failed, stale keys remain in use")
		}
	}()
}

func (r *Resolver) fetch(ctx context.Context) (map[string]SigningKey, error) {
	if !r.limiter.Allow(r.now()) {
		r.recordFetch(ctx, "rate_limited")
		return nil, fmt.Errorf("%w: limit is %d requests per minute", ErrRateLimited, r.requestsPerMinute)
	}

	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	start := time.Now()

	keys, err := r.download(ctx)
	if err != nil {
		r.recordFetch(ctx, "failed")
		zerolog.Ctx(ctx).Warn().Err(err).Str("url", r.url).Msg("jwks: key set fetch failed")

		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	fetchedAt := r.now()
	for kid, key := range keys {
		r.cache.Set(kid, cachedKey{key: key, fetchedAt: fetchedAt})
	}

	// keys withdrawn by the issuer stop verifying as soon as it's noticed
	var withdrawn []string
	r.cache.Range(func(kid string, _ cachedKey) bool {
		if _, ok := keys[kid]; !ok {
			withdrawn = append(withdrawn, kid)
		}
		return true
	})
	for _, kid := range withdrawn {
		r.cache.Delete(kid)
	}

	r.recordFetch(ctx, "success")
	zerolog.Ctx(ctx).Debug().
		Str("url", r.url).
		Int("keys", len(keys)).
		Dur("duration", time.Since(start)).
		Msg("jwks: key set refreshed")

	return keys, nil
}

func (r *Resolver) download(ctx context.Context) (map[string]SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxKeySetBytes))
		return nil, fmt.Errorf("key set request returned %s", res.Status)
	}

	// Keys are decoded individually: one key of an unknown type must not
	// prevent the use of the others.
	var document struct {
		Keys []json.RawMessage `json:"keys"`
	}
	err = json.NewDecoder(io.LimitReader(res.Body, maxKeySetBytes)).Decode(&document)
	if err != nil {
		return nil, fmt.Errorf("key set could not be decoded: %w", err)
	}

	keys := make(map[string]SigningKey, len(document.Keys))
	for _, raw := range document.Keys {
		key, ok := signingKey(ctx, raw)
		if ok {
			keys[key.KeyID] = key
		}
	}

	return keys, nil
}

// signingKey converts a JWK into a SigningKey, rejecting keys that can't be
// used to verify RS256 signatures.
func signingKey(ctx context.Context, raw json.RawMessage) (SigningKey, bool) {
	var jwk jose.JSONWebKey
	err := jwk.UnmarshalJSON(raw)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("jwks: skipping unreadable key")
		return SigningKey{}, false
	}

	if jwk.KeyID == "" ||
		(jwk.Use != "" && jwk.Use != "sig") ||
		(jwk.Algorithm != "" && jwk.Algorithm != string(jose.RS256)) {
		return SigningKey{}, false
	}

	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return SigningKey{}, false
	}

	return SigningKey{
		KeyID:     jwk.KeyID,
		Algorithm: string(jose.RS256),
		PublicKey: pub,
	}, true
}

func (r *Resolver) recordFetch(ctx context.Context, outcome string) {
	r.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Resolver) recordLookup(ctx context.Context, result string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}

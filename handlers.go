package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/jamestelfer/tollgate/internal/jwt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// subjectHeader carries the verified subject to the upstream. Any value sent
// by the client is replaced.
const subjectHeader = "X-Authenticated-Subject"

type whoAmIResponse struct {
	Subject     string         `json:"subject"`
	Issuer      string         `json:"issuer"`
	Audience    []string       `json:"audience"`
	ExpiresAt   int64          `json:"expiresAt"`
	Permissions []string       `json:"permissions"`
	Claims      map[string]any `json:"claims"`
}

func handleWhoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// claims must be present from the middleware
		claims := jwt.RequireClaimsFromContext(r.Context())

		marshalledResponse, err := json.Marshal(whoAmIResponse{
			Subject:     claims.Subject,
			Issuer:      claims.Issuer,
			Audience:    claims.Audience,
			ExpiresAt:   claims.Expiry.Unix(),
			Permissions: claims.Permissions,
			Claims:      claims.Raw,
		})
		if err != nil {
			log.Info().Msgf("claims could not be marshalled: %v\n", err)
			requestError(w, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(marshalledResponse)
		if err != nil {
			// record failure to log: trying to respond to the client at this
			// point will likely fail
			log.Info().Msgf("failed to write response: %v\n", err)
			return
		}
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	})
}

// newUpstreamProxy forwards authorized requests to the upstream service. The
// client's credentials are forwarded unchanged.
func newUpstreamProxy(upstreamURL string) (http.Handler, error) {
	if upstreamURL == "" {
		return nil, errors.New("UPSTREAM_URL is required when routes are configured")
	}

	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("UPSTREAM_URL is not a valid URL: %w", err)
	}
	if !upstream.IsAbs() || upstream.Host == "" {
		return nil, fmt.Errorf("UPSTREAM_URL must be an absolute URL: %q", upstreamURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()

			pr.Out.Header.Del(subjectHeader)
			if claims := jwt.ClaimsFromContext(pr.In.Context()); claims != nil {
				pr.Out.Header.Set(subjectHeader, claims.Subject)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			audit.Log(r.Context()).Error = fmt.Sprintf("upstream request failed: %v", err)
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("upstream", upstream.Host).Msg("upstream request failed")

			requestError(w, http.StatusBadGateway)
		},
	}

	return proxy, nil
}

// maxRequestSize limits the size of request bodies. Reads beyond the limit
// fail, and the server closes the connection after the response.
func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				requestError(w, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// handle registers the handler, returning an error for patterns the mux
// refuses rather than panicking.
func handle(mux interface{ Handle(string, http.Handler) }, pattern string, handler http.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %q could not be registered: %v", pattern, r)
		}
	}()

	mux.Handle(pattern, handler)

	return nil
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

package observe

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux traces every request served by the wrapped multiplexer, labelling each
// with the pattern of the route that handled it.
type Mux struct {
	wrapped Multiplexer
	handler http.Handler
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
		handler: otelhttp.NewHandler(wrapped, "tollgate",
			otelhttp.WithSpanNameFormatter(spanName),
		),
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	// Configure the "http.route" for the HTTP instrumentation.
	taggedHandler := otelhttp.WithRouteTag(pattern, handler)
	mux.wrapped.Handle(pattern, taggedHandler)
}

func (mux *Mux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.Handle(pattern, http.HandlerFunc(handler))
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.handler.ServeHTTP(w, r)
}

// spanName is formatted before the route is matched, so only the method is
// known: the path would give the span name an unbounded cardinality.
func spanName(operation string, r *http.Request) string {
	return operation + " " + r.Method
}

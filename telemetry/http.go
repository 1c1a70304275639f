package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHandler instruments an HTTP handler with an OTel span per request,
// using route as the otelhttp operation name. cmd/server wraps the whole
// HTTP surface once, under the name "orchestrator", so no handler has to
// start its own span.
func WrapHandler(route string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, route)
}

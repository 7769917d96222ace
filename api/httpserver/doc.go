// Package httpserver provides the reusable HTTP server shell for the
// study coordinator.
//
// BaseServer bundles the plumbing every deployment needs: standard
// middleware, optional CORS for browser dashboards, health and drain
// endpoints (/livez, /readyz, /drain, /undrain), an optional
// Prometheus-compatible metrics listener, optional pprof, and graceful
// shutdown. Components expose their routes by implementing
// RouteRegistrar and passing themselves to New.
package httpserver

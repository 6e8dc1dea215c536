package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type muxOptions struct {
	service ServiceAccount
	live    Pinger
}

type Option func(*muxOptions)

// WithServiceAccount lets the collector's own broker login through the
// auth hook as a superuser.
func WithServiceAccount(s ServiceAccount) Option {
	return func(o *muxOptions) { o.service = s }
}

// WithLiveStore adds the live state store to /healthz.
func WithLiveStore(p Pinger) Option {
	return func(o *muxOptions) { o.live = p }
}

// NewMux wires the operational routes: health, metrics and the broker
// auth hook. Feature modules register their own routes on the result.
func NewMux(pool Pool, hooks BrokerHooks, gatherer prometheus.Gatherer, logger *slog.Logger, opts ...Option) *http.ServeMux {
	var o muxOptions
	for _, opt := range opts {
		opt(&o)
	}

	mux := http.NewServeMux()
	registerHealthcheck(mux, pool, o.live, logger)
	registerAuthHook(mux, hooks, o.service, logger)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

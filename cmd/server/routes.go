package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/tiergate/internal/config"
)

type routeRegistrar interface {
	RegisterRoutes(*http.ServeMux)
}

func buildMux(cfg *config.Config, handler routeRegistrar) *http.ServeMux {
	mux := http.NewServeMux()
	if handler != nil {
		handler.RegisterRoutes(mux)
	}

	// Metrics endpoint
	if cfg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	return mux
}

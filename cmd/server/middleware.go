package main

import (
	"net/http"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
)

func buildMiddlewareStack() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := metrics.Middleware(next)
		handler = observability.RequestIDMiddleware(handler)
		return handler
	}
}

// Package exporters serves the pipeline metrics over Prometheus and SSE.
package exporters

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/campipe/internal/logging"
)

// HTTPHandler serves every collector registered on the default registry.
// A failing collector is logged and skipped instead of failing the scrape.
func HTTPHandler() http.Handler {
	errLog := slog.NewLogLogger(logging.GetLogger("metrics").Handler(), slog.LevelError)
	return promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:          errLog,
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		}))
}

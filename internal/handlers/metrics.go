package handlers

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promLogger routes scrape errors to the handlers logger.
type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	log.Error("metrics scrape: %s", fmt.Sprint(v...))
}

// MetricsHandler serves the default registry. A collector that fails
// during a scrape is logged and skipped; the rest are still served.
func (h *Handlers) MetricsHandler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:          promLogger{},
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		}),
	)
}

package bootstrap

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rcs/internal/config"
	"rcs/pkg/health"
)

// NewOpsServer serves /health and /metrics for the pipeline workers.
func NewOpsServer(cfg config.ServerConfig, registry *health.CheckerRegistry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", registry.HTTPHandler())
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeoutSeconds * time.Second,
		WriteTimeout: cfg.WriteTimeoutSeconds * time.Second,
	}
}

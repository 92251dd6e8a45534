package commands

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skycoin/dsi/internal/httputil"
)

type progressJSON struct {
	Packets int64   `json:"packets"`
	Bytes   int64   `json:"bytes"`
	Total   int     `json:"total"`
	Done    float64 `json:"done"`
}

// newAPI serves the prometheus metrics, the bench config and its progress.
func newAPI(conf *Config, progress *Progress) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, conf)
	})
	r.Get("/progress", func(w http.ResponseWriter, r *http.Request) {
		packets, bytes := progress.Snapshot()
		httputil.WriteJSON(w, r, http.StatusOK, progressJSON{
			Packets: packets,
			Bytes:   bytes,
			Total:   conf.Packets,
			Done:    float64(packets) / float64(conf.Packets),
		})
	})
	return r
}

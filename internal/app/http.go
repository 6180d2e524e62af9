package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/realtime"
	"courier/internal/store"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	st store.Store,
	storeEnabled bool,
	reg *prometheus.Registry,
	ws *realtime.Gateway,
	groups *GroupsAPI,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !storeEnabled {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}

		if storeEnabled {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := st.Ping(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	groups.Register(mux)

	mux.HandleFunc("/ws", ws.HandleWS)
}

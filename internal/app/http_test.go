package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/directory"
	"courier/internal/identity"
	"courier/internal/metrics"
	"courier/internal/ratelimit"
	"courier/internal/realtime"
	"courier/internal/store"
)

func newTestMux(t *testing.T, cfg Config) *http.ServeMux {
	t.Helper()

	log := discardLogger()
	mem := store.NewMemory()
	met := metrics.NewForTest()
	manager := realtime.NewManager(log, met)
	verifier := identity.StaticVerifier{}
	dir := directory.New(log, mem.Groups(), func() string { return "g1" })
	ws := realtime.NewGateway(log, met, verifier, manager, nil,
		ratelimit.NewLimiter(0, 0), nil, realtime.GatewayConfig{})
	groups := NewGroupsAPI(log, verifier, dir, manager)

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, mem, false, prometheus.NewRegistry(), ws, groups)
	return mux
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	if rr := get(mux, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
}

func TestReadyz_InMemoryStore(t *testing.T) {
	t.Parallel()

	// Memory store counts as ready unless the db is explicitly required.
	mux := newTestMux(t, Config{})
	if rr := get(mux, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}

	mux = newTestMux(t, Config{ReadinessRequireDB: true})
	if rr := get(mux, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with required db: %d", rr.Code)
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	if rr := get(mux, "/metrics"); rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

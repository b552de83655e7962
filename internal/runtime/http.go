package runtime

import (
	"encoding/json"
	"net/http"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.gateway != nil && !r.gateway.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if r.coord == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if guild := req.URL.Query().Get("guild_id"); guild != "" {
		snap, ok := r.coord.Status(guild)
		if !ok {
			http.Error(w, "unknown guild", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(snap)
		return
	}
	_ = json.NewEncoder(w).Encode(r.coord.Snapshots())
}

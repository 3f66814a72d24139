package api

import "net/http"

func methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.Method]; ok {
			h(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// RegisterRoutes mounts the API on mux. Paths the API does not own are
// served by proxy. adminSecret protects /admin/ when non-empty.
func RegisterRoutes(mux *http.ServeMux, h *Handler, proxy http.Handler, adminSecret string) http.Handler {
	// Cache APIs
	mux.HandleFunc("/cache/", methods(map[string]http.HandlerFunc{
		http.MethodPut:    h.SetKey,
		http.MethodGet:    h.GetKey,
		http.MethodDelete: h.DeleteKey,
	}))
	mux.HandleFunc("/cache-large/", methods(map[string]http.HandlerFunc{
		http.MethodPut:    h.SetLargeKey,
		http.MethodGet:    h.GetLargeKey,
		http.MethodDelete: h.DeleteLargeKey,
	}))

	// Admin APIs
	admin := http.NewServeMux()
	admin.HandleFunc("/admin/cache/stats", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetStats}))
	admin.HandleFunc("/admin/cache/clear-expired", methods(map[string]http.HandlerFunc{http.MethodPost: h.ClearExpired}))
	admin.HandleFunc("/admin/cache/clear", methods(map[string]http.HandlerFunc{http.MethodPost: h.ClearAll}))
	admin.HandleFunc("/admin/worker", methods(map[string]http.HandlerFunc{
		http.MethodGet:    h.GetWorker,
		http.MethodDelete: h.Unregister,
	}))
	admin.HandleFunc("/admin/worker/messages", methods(map[string]http.HandlerFunc{http.MethodPost: h.PostMessage}))
	admin.HandleFunc("/admin/worker/sync", methods(map[string]http.HandlerFunc{http.MethodPost: h.Sync}))
	admin.HandleFunc("/admin/worker/ws", h.WorkerSocket)
	mux.Handle("/admin/", Chain(admin, AdminAuth(adminSecret, h.logger)))

	// Observability APIs
	mux.HandleFunc("/metrics", h.GetMetrics)
	mux.HandleFunc("/health", h.GetHealth)

	// Everything else goes through the request cache
	var root http.Handler = mux
	if proxy != nil {
		mux.Handle("/", proxy)
		root = proxyForm(mux, proxy)
	}

	// Middlewares
	return Chain(
		root,
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
	)
}

// proxyForm sends absolute-form requests ("GET https://host/path") straight
// to proxy so foreign paths never collide with the API routes.
func proxyForm(mux, proxy http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() {
			proxy.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

package proxy

import "net/http"

// healthStatus is the body of both probe endpoints.
type healthStatus struct {
	Status string `json:"status"`
}

func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(r.Context(), w, healthStatus{Status: "alive"}, http.StatusOK)
	}
}

// readinessHandler answers 200 while the proxy can forward with a session and
// 503 while it is stopped or signed out.
func readinessHandler(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if !checker.IsReady() {
			writeJSON(r.Context(), w, healthStatus{Status: "unauthenticated"}, http.StatusServiceUnavailable)
			return
		}
		writeJSON(r.Context(), w, healthStatus{Status: "ready"}, http.StatusOK)
	}
}

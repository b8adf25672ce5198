package server

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

func registerPprof(mux *http.ServeMux, token string) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(token, h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token refuses every request.
func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(w http.ResponseWriter, r *http.Request) {
		if tok != "" {
			if r.URL.Query().Get("token") == tok {
				h(w, r)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

package httpx

import (
	"net"
	"net/http"
	"strings"
)

// Router dispatches on the Host header.
type Router struct {
	endpoints map[string]http.Handler
}

// NewRouter creates an empty host router.
func NewRouter() *Router {
	return &Router{endpoints: map[string]http.Handler{}}
}

// Handle registers h for host. Hosts match case-insensitively and without
// port.
func (rt *Router) Handle(host string, h http.Handler) {
	rt.endpoints[hostOnly(host)] = h
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := rt.endpoints[hostOnly(r.Host)]
	if !ok {
		http.Error(w, "Undefined host", http.StatusNotFound)
		return
	}
	h.ServeHTTP(w, r)
}

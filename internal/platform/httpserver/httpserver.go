// Package httpserver configures the process's single HTTP listener.
package httpserver

import (
	"net/http"
	"time"
)

// Slow-client bounds. Handler deadlines come from the router's timeout
// middleware, so WriteTimeout stays above it.
const (
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 35 * time.Second
	idleTimeout       = 2 * time.Minute
)

// New builds the server around the given router.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

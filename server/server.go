// Package server implements the panel's HTTP façade: a REST API over
// bus/device state, Server-Sent Events for live reply/status streaming,
// a websocket bridge onto a diagnostics.PassThrough pty, and the
// Prometheus scrape endpoint. Modelled on the teacher's server.Server —
// gorilla/mux router, loggingMiddleware, Run(ctx) with graceful
// shutdown — generalised from one console-per-server to one bus/device
// tree per ControlPanel.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"osdp-panel/diagnostics"
	"osdp-panel/panel"
)

// Server is the panel's HTTP façade.
type Server struct {
	listenAddress string
	cp            *panel.ControlPanel
	passThrough   *diagnostics.PassThrough // nil disables /ws/buses/{id}/trace

	router     *mux.Router
	httpServer *http.Server
}

// New builds a Server routed over cp. passThrough may be nil, in which
// case the trace websocket route responds 503.
func New(listenAddress string, cp *panel.ControlPanel, passThrough *diagnostics.PassThrough) *Server {
	s := &Server{
		listenAddress: listenAddress,
		cp:            cp,
		passThrough:   passThrough,
		router:        mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/buses", s.handleListBuses).Methods("GET")
	api.HandleFunc("/buses/{id}/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/buses/{id}/devices/{address}/status", s.handleDeviceStatus).Methods("GET")
	api.HandleFunc("/buses/{id}/devices/{address}/reset", s.handleResetDevice).Methods("POST")
	api.HandleFunc("/buses/{id}/events", s.handleBusEvents).Methods("GET")
	log.Info("Registered route: /api/buses/{id}/events")

	s.router.HandleFunc("/ws/buses/{id}/trace", s.handleBusTrace).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof("MIDDLEWARE: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    s.listenAddress,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("Context done, shutting down HTTP server")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("Starting web server on %s", s.listenAddress)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Info("HTTP server closed cleanly")
		return nil
	}
	log.Errorf("HTTP server error: %v", err)
	return err
}

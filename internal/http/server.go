// Package httpapi exposes the dispatch operations over HTTP. The transport
// stays thin: authentication middleware resolves the actor, handlers decode
// and validate shape, the coordinator owns all semantics.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/push"
)

type Server struct {
	coord     *dispatch.Coordinator
	wsReg     *push.WSRegistry
	logger    *slog.Logger
	jwtSecret []byte
	mux       *mux.Router
}

func NewServer(coord *dispatch.Coordinator, wsReg *push.WSRegistry, logger *slog.Logger, jwtSecret string) *Server {
	s := &Server{
		coord:     coord,
		wsReg:     wsReg,
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides/request", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods("GET")
	api.HandleFunc("/rides/history", s.handleRideHistory).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/reject", s.handleRejectRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/arrived", s.handleDriverArrived).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/end", s.handleEndRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods("PUT")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/ws/{driver_id}", s.authMiddleware(http.HandlerFunc(s.handleWS)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

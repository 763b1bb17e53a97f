package web

import (
	"fmt"
	"log"
	"net/http"

	"github.com/avela/mailflow/internal/config"
	"github.com/avela/mailflow/internal/connection"
	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/monitoring"
	"github.com/avela/mailflow/internal/pipeline"
	"github.com/avela/mailflow/internal/stats"
	"github.com/gorilla/mux"
)

// Server exposes the connection, monitoring and stats contracts as a JSON
// API. Authentication lives in the gateway in front of this service.
type Server struct {
	router     *mux.Router
	db         *database.DB
	config     *config.Config
	manager    *connection.Manager
	monitor    *monitoring.Manager
	aggregator *stats.Aggregator
	processor  *pipeline.Processor
}

func NewServer(db *database.DB, cfg *config.Config, manager *connection.Manager, monitor *monitoring.Manager, aggregator *stats.Aggregator, processor *pipeline.Processor) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		db:         db,
		config:     cfg,
		manager:    manager,
		monitor:    monitor,
		aggregator: aggregator,
		processor:  processor,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Connection lifecycle
	api.HandleFunc("/connections", s.handleStartConnection).Methods("POST")
	api.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	api.HandleFunc("/connections/{userID}/{mailbox}", s.handleGetConnection).Methods("GET")
	api.HandleFunc("/connections/{userID}/{mailbox}", s.handleStopConnection).Methods("DELETE")
	api.HandleFunc("/connections/{userID}/{mailbox}/check", s.handleCheckEmails).Methods("POST")
	api.HandleFunc("/connections/{userID}/{mailbox}/sync", s.handleStartFullSync).Methods("POST")
	api.HandleFunc("/connections/{userID}/{mailbox}/health", s.handleCheckHealth).Methods("GET")
	api.HandleFunc("/connections/{userID}/{mailbox}/config", s.handleUpdateConfig).Methods("PATCH")
	api.HandleFunc("/connections/{userID}/{mailbox}/monitoring", s.handleConnectionMonitoring).Methods("GET")

	// Monitoring
	api.HandleFunc("/monitoring/status", s.handleMonitoringStatus).Methods("GET")
	api.HandleFunc("/users/{userID}/logs", s.handleUserLogs).Methods("GET")

	// Per-user views
	api.HandleFunc("/users/{userID}/connections", s.handleUserConnections).Methods("GET")
	api.HandleFunc("/users/{userID}/stats", s.handleUserStats).Methods("GET")
	api.HandleFunc("/users/{userID}/blocklist", s.handleGetBlocklist).Methods("GET")
	api.HandleFunc("/users/{userID}/blocklist", s.handleAddBlocklistEntry).Methods("POST")
	api.HandleFunc("/users/{userID}/blocklist", s.handleRemoveBlocklistEntry).Methods("DELETE")

	// Emails
	api.HandleFunc("/users/{userID}/emails", s.handleRecentEmails).Methods("GET")
	api.HandleFunc("/emails/{id}/reprocess", s.handleReprocessEmail).Methods("POST")
	api.HandleFunc("/emails/{id}/move", s.handleMoveEmail).Methods("POST")
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.config.ServerHost, s.config.ServerPort)
	log.Printf("API server starting on http://%s", addr)
	return http.ListenAndServe(addr, s.router)
}

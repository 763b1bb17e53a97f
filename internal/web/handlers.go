package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/avela/mailflow/internal/connection"
	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/provider"
	"github.com/avela/mailflow/internal/stats"
	"github.com/gorilla/mux"
)

type startConnectionRequest struct {
	UserID              string            `json:"user_id"`
	Mailbox             string            `json:"mailbox"`
	Provider            database.Provider `json:"provider"`
	Credentials         json.RawMessage   `json:"credentials"`
	Folders             []string          `json:"folders,omitempty"`
	PollIntervalSeconds int               `json:"poll_interval_seconds,omitempty"`
	AIEnabled           bool              `json:"ai_enabled,omitempty"`
	AIMode              database.AIMode   `json:"ai_mode,omitempty"`
	Categories          []string          `json:"categories,omitempty"`
	ResponseTemplates   []string          `json:"response_templates,omitempty"`
}

func (s *Server) handleStartConnection(w http.ResponseWriter, r *http.Request) {
	var req startConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Mailbox == "" || req.Provider == "" || len(req.Credentials) == 0 {
		respondError(w, http.StatusBadRequest, "user_id, mailbox, provider and credentials are required")
		return
	}

	ctx := r.Context()

	account, err := s.db.GetAccount(ctx, req.UserID, req.Mailbox)
	switch {
	case errors.Is(err, database.ErrAccountNotFound):
		account = &database.Account{
			UserID:              req.UserID,
			Mailbox:             req.Mailbox,
			Provider:            req.Provider,
			Credentials:         req.Credentials,
			SyncEnabled:         true,
			Folders:             req.Folders,
			PollIntervalSeconds: req.PollIntervalSeconds,
			AIEnabled:           req.AIEnabled,
			AIMode:              req.AIMode,
			Categories:          req.Categories,
			ResponseTemplates:   req.ResponseTemplates,
		}
		if len(account.Folders) == 0 {
			account.Folders = []string{"INBOX"}
		}
		if account.PollIntervalSeconds <= 0 {
			account.PollIntervalSeconds = s.config.DefaultPollIntervalSeconds
		}
		if account.AIMode == "" {
			account.AIMode = database.AIModeOff
		}
		if err := s.db.CreateAccount(ctx, account); err != nil {
			log.Printf("Failed to create account: %v", err)
			respondError(w, http.StatusInternalServerError, "failed to create account")
			return
		}
	case err != nil:
		log.Printf("Failed to load account: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load account")
		return
	default:
		// Re-linking an existing mailbox refreshes its credentials
		account.Credentials = req.Credentials
		if err := s.db.UpdateCredentials(ctx, req.UserID, req.Mailbox, req.Credentials); err != nil {
			log.Printf("Failed to update credentials: %v", err)
			respondError(w, http.StatusInternalServerError, "failed to update credentials")
			return
		}
	}

	key, err := s.manager.StartConnection(ctx, account)
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrAlreadyConnected):
			respondError(w, http.StatusConflict, "mailbox is already connected")
		case provider.IsAuthError(err):
			respondError(w, http.StatusUnauthorized, err.Error())
		default:
			log.Printf("Failed to start connection: %v", err)
			respondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"connection_key": key})
}

func (s *Server) handleStopConnection(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	if r.URL.Query().Get("forget") == "true" {
		if err := s.manager.DisconnectAccount(r.Context(), userID, mailbox); err != nil {
			log.Printf("Failed to disconnect account: %v", err)
			respondError(w, http.StatusInternalServerError, "failed to disconnect account")
			return
		}
	} else if err := s.manager.StopConnection(userID, mailbox); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleCheckEmails(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	result, err := s.manager.CheckEmails(r.Context(), userID, mailbox)
	if err != nil {
		if errors.Is(err, connection.ErrNoActiveConnection) {
			respondError(w, http.StatusNotFound, "no active connection")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartFullSync(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	if err := s.manager.StartFullSync(userID, mailbox); err != nil {
		if errors.Is(err, connection.ErrNoActiveConnection) {
			respondError(w, http.StatusNotFound, "no active connection")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Completion is reported through monitoring events
	respondJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)
	respondJSON(w, http.StatusOK, s.manager.CheckHealth(r.Context(), userID, mailbox))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	var update connection.ConfigUpdate
	if err := decodeJSON(r, &update); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()

	// Persist first, then hot-apply to the live connection
	account, err := s.db.GetAccount(ctx, userID, mailbox)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	merged := *account
	update.Apply(&merged)

	if err := s.db.UpdateSyncConfig(ctx, userID, mailbox, merged.SyncEnabled, merged.SyncPaused, merged.Folders, merged.PollIntervalSeconds); err != nil {
		log.Printf("Failed to persist sync config: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to persist sync config")
		return
	}
	if err := s.db.UpdateAISettings(ctx, userID, mailbox, merged.AIEnabled, merged.AIMode, merged.Categories, merged.ResponseTemplates); err != nil {
		log.Printf("Failed to persist ai settings: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to persist ai settings")
		return
	}

	applied := s.manager.UpdateConnectionConfig(userID, mailbox, update)
	respondJSON(w, http.StatusOK, map[string]bool{"persisted": true, "applied_live": applied})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	snap, ok := s.manager.GetConnection(userID, mailbox)
	if !ok {
		respondError(w, http.StatusNotFound, "no active connection")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.GetAllConnections())
}

func (s *Server) handleUserConnections(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	respondJSON(w, http.StatusOK, s.manager.GetUserConnections(userID))
}

func (s *Server) handleConnectionMonitoring(w http.ResponseWriter, r *http.Request) {
	userID, mailbox := pathPair(r)

	view, ok := s.monitor.GetConnectionMonitoring(userID, mailbox)
	if !ok {
		respondError(w, http.StatusNotFound, "no active connection")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.GetMonitoringStatus())
}

func (s *Server) handleUserLogs(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	respondJSON(w, http.StatusOK, s.monitor.GetUserLogs(userID, limit))
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	timeRange := stats.TimeRange(r.URL.Query().Get("range"))
	if timeRange == "" {
		timeRange = stats.RangeWeek
	}

	dashboard, err := s.aggregator.GetDashboardStats(r.Context(), userID, timeRange)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleGetBlocklist(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	entries, err := s.db.GetBlocklistEntries(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load blocklist")
		return
	}
	if entries == nil {
		entries = []string{}
	}
	respondJSON(w, http.StatusOK, entries)
}

type blocklistRequest struct {
	Entry string `json:"entry"`
}

func (s *Server) handleAddBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req blocklistRequest
	if err := decodeJSON(r, &req); err != nil || req.Entry == "" {
		respondError(w, http.StatusBadRequest, "entry is required")
		return
	}

	if err := s.db.AddBlocklistEntry(r.Context(), userID, req.Entry); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to add blocklist entry")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"entry": req.Entry})
}

func (s *Server) handleRemoveBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var req blocklistRequest
	if err := decodeJSON(r, &req); err != nil || req.Entry == "" {
		respondError(w, http.StatusBadRequest, "entry is required")
		return
	}

	if err := s.db.RemoveBlocklistEntry(r.Context(), userID, req.Entry); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to remove blocklist entry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"removed": req.Entry})
}

func (s *Server) handleRecentEmails(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	emails, err := s.db.GetRecentEmails(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load emails")
		return
	}
	respondJSON(w, http.StatusOK, emails)
}

// handleReprocessEmail retries a message that a provider or generation
// failure left pending.
func (s *Server) handleReprocessEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	email, err := s.db.GetEmail(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrEmailNotFound) {
			respondError(w, http.StatusNotFound, "email not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load email")
		return
	}

	account, err := s.db.GetAccount(ctx, email.UserID, email.Mailbox)
	if err != nil {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}

	adapter, err := s.manager.GetAdapter(email.UserID, email.Mailbox)
	if err != nil {
		respondError(w, http.StatusConflict, "mailbox has no active connection")
		return
	}

	result, err := s.processor.Reprocess(ctx, email, account, adapter)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

type moveEmailRequest struct {
	Folder string `json:"folder"`
}

// handleMoveEmail relocates a recorded message to another provider-side folder.
func (s *Server) handleMoveEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var req moveEmailRequest
	if err := decodeJSON(r, &req); err != nil || req.Folder == "" {
		respondError(w, http.StatusBadRequest, "folder is required")
		return
	}

	email, err := s.db.GetEmail(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrEmailNotFound) {
			respondError(w, http.StatusNotFound, "email not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load email")
		return
	}

	adapter, err := s.manager.GetAdapter(email.UserID, email.Mailbox)
	if err != nil {
		respondError(w, http.StatusConflict, "mailbox has no active connection")
		return
	}

	if err := adapter.MoveFolder(ctx, email.ProviderMessageID, req.Folder); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"id": id, "folder": req.Folder})
}

func pathPair(r *http.Request) (userID, mailbox string) {
	vars := mux.Vars(r)
	return vars["userID"], vars["mailbox"]
}

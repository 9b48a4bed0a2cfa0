// Package rest is the operator-facing HTTP surface: start a backfill, read a
// subscription's progress, retry its failed tasks.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/queue"
	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

// Handler handles REST API requests.
type Handler struct {
	store   store.Store
	channel queue.MessageChannel
	logger  *zap.Logger
}

// NewHandler creates a new REST handler.
func NewHandler(st store.Store, channel queue.MessageChannel, logger *zap.Logger) *Handler {
	return &Handler{
		store:   st,
		channel: channel,
		logger:  logger,
	}
}

// StartBackfillRequest represents a request to start or resume a backfill.
type StartBackfillRequest struct {
	JiraHost        string                 `json:"jiraHost"`
	InstallationID  int64                  `json:"installationId"`
	GitHubAppConfig *types.GitHubAppConfig `json:"gitHubAppConfig,omitempty"`
	CommitsFromDate string                 `json:"commitsFromDate,omitempty"`
	TargetTasks     []types.TaskType       `json:"targetTasks,omitempty"`
}

// StartBackfillResponse represents the response from starting a backfill.
type StartBackfillResponse struct {
	SubscriptionID int64  `json:"subscriptionId"`
	Status         string `json:"status"`
}

// SubscriptionStatusResponse represents a subscription's backfill progress.
type SubscriptionStatusResponse struct {
	SubscriptionID int64            `json:"subscriptionId"`
	SyncStatus     types.SyncStatus `json:"syncStatus"`
	SyncWarning    string           `json:"syncWarning,omitempty"`
	TotalRepos     int              `json:"totalRepos"`
	SyncedRepos    int              `json:"syncedRepos"`
	BackfillSince  *time.Time       `json:"backfillSince,omitempty"`
}

// ResetTasksResponse reports how many failed tasks were returned to pending.
type ResetTasksResponse struct {
	ResetCount int    `json:"resetCount"`
	Status     string `json:"status"`
}

// StartBackfill handles POST /backfill.
func (h *Handler) StartBackfill(w http.ResponseWriter, r *http.Request) {
	var req StartBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.JiraHost == "" || req.InstallationID == 0 {
		http.Error(w, "jiraHost and installationId are required", http.StatusBadRequest)
		return
	}
	for _, taskType := range req.TargetTasks {
		if !types.IsValidTaskType(taskType) {
			http.Error(w, "unknown task type: "+string(taskType), http.StatusBadRequest)
			return
		}
	}

	var appID *int64
	if req.GitHubAppConfig != nil {
		id := req.GitHubAppConfig.GitHubAppID
		appID = &id
	}

	sub, err := h.store.GetSubscription(r.Context(), req.JiraHost, req.InstallationID, appID)
	if errors.Is(err, store.ErrNotFound) {
		sub = &store.Subscription{
			JiraHost:       req.JiraHost,
			InstallationID: req.InstallationID,
			GitHubAppID:    appID,
			SyncStatus:     types.SyncPending,
		}
		err = h.store.CreateSubscription(r.Context(), sub)
	}
	if err != nil {
		h.logger.Error("failed to resolve subscription", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := &queue.BackfillMessage{
		JiraHost:        req.JiraHost,
		InstallationID:  req.InstallationID,
		GitHubAppConfig: req.GitHubAppConfig,
		StartTime:       time.Now().UTC().Format(time.RFC3339),
		CommitsFromDate: req.CommitsFromDate,
		TargetTasks:     req.TargetTasks,
	}
	if err := h.channel.Send(r.Context(), msg, 0); err != nil {
		h.logger.Error("failed to enqueue backfill message", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("backfill started",
		zap.Int64("subscription_id", sub.ID),
		zap.String("jira_host", req.JiraHost),
		zap.Int64("installation_id", req.InstallationID),
	)
	writeJSON(w, http.StatusAccepted, StartBackfillResponse{
		SubscriptionID: sub.ID,
		Status:         "queued",
	})
}

// GetSubscriptionStatus handles GET /subscriptions/{jiraHost}/{installationID}/status.
func (h *Handler) GetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookupSubscription(w, r)
	if !ok {
		return
	}

	synced, err := h.store.CountSyncedRepos(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error("failed to count synced repos", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionStatusResponse{
		SubscriptionID: sub.ID,
		SyncStatus:     sub.SyncStatus,
		SyncWarning:    sub.SyncWarning,
		TotalRepos:     sub.TotalRepos,
		SyncedRepos:    synced,
		BackfillSince:  sub.BackfillSince,
	})
}

// ResetFailedTasks handles POST /subscriptions/{jiraHost}/{installationID}/tasks/reset.
// It returns every failed task to pending and enqueues a message so the
// worker picks them up again.
func (h *Handler) ResetFailedTasks(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.lookupSubscription(w, r)
	if !ok {
		return
	}

	count, err := h.store.ResetFailedTasks(r.Context(), sub.ID)
	if err != nil {
		h.logger.Error("failed to reset tasks", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := "nothing to reset"
	if count > 0 {
		msg := &queue.BackfillMessage{
			JiraHost:       sub.JiraHost,
			InstallationID: sub.InstallationID,
			StartTime:      time.Now().UTC().Format(time.RFC3339),
		}
		if sub.GitHubAppID != nil {
			msg.GitHubAppConfig = &types.GitHubAppConfig{GitHubAppID: *sub.GitHubAppID}
		}
		if err := h.channel.Send(r.Context(), msg, 0); err != nil {
			h.logger.Error("failed to enqueue retry message", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status = "queued"
	}

	writeJSON(w, http.StatusOK, ResetTasksResponse{ResetCount: count, Status: status})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) lookupSubscription(w http.ResponseWriter, r *http.Request) (*store.Subscription, bool) {
	jiraHost := chi.URLParam(r, "jiraHost")
	installationID, err := strconv.ParseInt(chi.URLParam(r, "installationID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid installation id", http.StatusBadRequest)
		return nil, false
	}

	var appID *int64
	if raw := r.URL.Query().Get("gitHubAppId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid gitHubAppId", http.StatusBadRequest)
			return nil, false
		}
		appID = &id
	}

	sub, err := h.store.GetSubscription(r.Context(), jiraHost, installationID, appID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load subscription", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return sub, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// RegisterRoutes registers REST API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Post("/backfill", h.StartBackfill)
	r.Get("/subscriptions/{jiraHost}/{installationID}/status", h.GetSubscriptionStatus)
	r.Post("/subscriptions/{jiraHost}/{installationID}/tasks/reset", h.ResetFailedTasks)
}

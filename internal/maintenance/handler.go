package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"firewatch/internal/auth"
	"firewatch/internal/fire"
	"firewatch/internal/observability"
)

// Handler exposes cron-secret-protected housekeeping endpoints: purging
// stale auth data and backfilling satellite imagery.
type Handler struct {
	authRepo              *auth.Repository
	enricher              *fire.Enricher
	logger                *observability.Logger
	cronSecret            string
	refreshRetention      time.Duration
	loginAttemptRetention time.Duration
	batchSize             int
}

func NewHandler(
	authRepo *auth.Repository,
	enricher *fire.Enricher,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	loginAttemptRetention time.Duration,
	batchSize int,
) *Handler {
	return &Handler{
		authRepo:              authRepo,
		enricher:              enricher,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cronSecret),
		refreshRetention:      refreshRetention,
		loginAttemptRetention: loginAttemptRetention,
		batchSize:             batchSize,
	}
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	result, err := h.authRepo.CleanupStaleAuthData(r.Context(), h.refreshRetention, h.loginAttemptRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"deleted_login_attempts": result.DeletedLoginAttempts,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func (h *Handler) EnrichImagery(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	enriched, skipped, err := h.enricher.Run(r.Context(), h.batchSize)
	if err != nil {
		h.logger.Error("imagery_enrichment_failed", map[string]any{
			"error":    err.Error(),
			"enriched": enriched,
			"skipped":  skipped,
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "imagery enrichment failed"})
		return
	}

	h.logger.Info("imagery_enrichment_completed", map[string]any{
		"enriched": enriched,
		"skipped":  skipped,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"enriched": enriched,
		"skipped":  skipped,
	})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

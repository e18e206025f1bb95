package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"auth-service/internal/observability"
)

// Purger removes invalidated session records last written before a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}

type CleanupHandler struct {
	sessions   Purger
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

type cleanupResult struct {
	DeletedSessions int       `json:"deleted_sessions"`
	Cutoff          time.Time `json:"cutoff"`
}

func NewCleanupHandler(
	sessions Purger,
	logger *observability.Logger,
	cronSecret string,
	retention time.Duration,
	batchSize int,
) *CleanupHandler {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	return &CleanupHandler{
		sessions:   sessions,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Handle runs one purge batch. Without a configured secret the endpoint
// does not exist.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	cutoff := h.now().UTC().Add(-h.retention)
	deleted, err := h.sessions.Purge(r.Context(), cutoff, h.batchSize)
	if err != nil {
		h.logger.Error("session_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("session_cleanup_completed", map[string]any{
		"deleted_sessions": deleted,
		"cutoff":           cutoff.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": cleanupResult{DeletedSessions: deleted, Cutoff: cutoff},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

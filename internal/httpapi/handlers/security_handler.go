package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/carelink/security-service/internal/store"
	"go.uber.org/zap"
)

// EventReader lists committed security events for dashboards.
type EventReader interface {
	ListRecent(ctx context.Context, filter store.EventFilter) ([]*store.SecurityEvent, error)
}

// SecurityLogHandler exposes the read-only event log surface.
type SecurityLogHandler struct {
	reader EventReader
	logger *zap.Logger
}

// NewSecurityLogHandler constructs a handler.
func NewSecurityLogHandler(reader EventReader, logger *zap.Logger) *SecurityLogHandler {
	return &SecurityLogHandler{reader: reader, logger: logger}
}

// List returns events newest-first, optionally filtered by event_type and
// capped by limit.
func (h *SecurityLogHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := eventFilterFromQuery(r)

	eventList, err := h.reader.ListRecent(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list security events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list security events", nil)
		return
	}
	if eventList == nil {
		eventList = []*store.SecurityEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": eventList,
		"count":  len(eventList),
	})
}

// Export streams the same listing as CSV for offline review.
func (h *SecurityLogHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter := eventFilterFromQuery(r)

	eventList, err := h.reader.ListRecent(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to export security events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "failed to export security events", nil)
		return
	}

	filename := fmt.Sprintf("security-logs-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"Date", "Event Type", "IP Address", "Email", "User Agent", "Details"})
	for _, event := range eventList {
		details := "{}"
		if event.Details != nil {
			if encoded, err := json.Marshal(event.Details); err == nil {
				details = string(encoded)
			}
		}
		_ = writer.Write([]string{
			event.CreatedAt.UTC().Format(time.RFC3339),
			event.EventType,
			event.IPAddress,
			event.Email,
			event.UserAgent,
			details,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Warn("csv export truncated", zap.Error(err))
	}
}

func eventFilterFromQuery(r *http.Request) store.EventFilter {
	filter := store.EventFilter{
		EventType: r.URL.Query().Get("event_type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			filter.Limit = limit
		}
	}
	return filter
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"meterlink/internal/output"
)

// reconnectTimeout bounds a reconnect started over the API.
const reconnectTimeout = 30 * time.Second

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	engine Engine
	logger *zap.SugaredLogger
	// base outlives single requests; Server.Start replaces it with the
	// serving context.
	base context.Context
}

func NewHandlers(engine Engine, logger *zap.SugaredLogger) *Handlers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handlers{engine: engine, logger: logger, base: context.Background()}
}

// GetLatest returns the newest reading, or 404 before the first success.
func (h *Handlers) GetLatest(w http.ResponseWriter, req *http.Request) {
	r, ok := h.engine.LatestReading()
	if !ok {
		writeError(w, http.StatusNotFound, "no reading yet")
		return
	}
	writeJSON(w, http.StatusOK, r)
}

// GetHistory returns the history buffer, oldest first. ?format=csv switches
// to CSV.
func (h *Handlers) GetHistory(w http.ResponseWriter, req *http.Request) {
	readings := h.engine.History()
	switch strings.ToLower(req.URL.Query().Get("format")) {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := output.WriteJSON(w, readings); err != nil {
			h.logger.Errorw("write history", "err", err)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		if err := output.WriteCSV(w, readings); err != nil {
			h.logger.Errorw("write history", "err", err)
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or csv")
	}
}

func (h *Handlers) GetStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handlers) GetSummary(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Summary())
}

// PostReconnect reselects the source and returns the resulting status.
// The reconnect runs on the server's context, so a client hanging up does
// not abort it halfway.
func (h *Handlers) PostReconnect(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(h.base, reconnectTimeout)
	defer cancel()
	if err := h.engine.Reconnect(ctx); err != nil {
		h.logger.Warnw("reconnect rejected", "err", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

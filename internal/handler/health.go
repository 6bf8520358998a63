package handler

import (
	"net/http"
	"time"
)

type HealthHandler struct {
	sessions func() int
}

func NewHealthHandler(sessions func() int) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  h.sessions(),
		"timestamp": time.Now().UnixMilli(),
	})
}

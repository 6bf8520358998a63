package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/openclaw/wa-relay-server-go/internal/audit"
	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
	qrImageSize          = 256
)

// SessionRegistry is the part of the session registry the API exposes.
type SessionRegistry interface {
	Create(ctx context.Context, name, webhookURL string) (*model.Session, error)
	Resolve(ref string) (*model.Session, error)
	List() []model.SessionSummary
	Remove(ctx context.Context, id string) error
	Send(ctx context.Context, ref, destination string, content model.OutboundContent) (*model.Delivery, error)
}

type DeliveryLog interface {
	FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.WebhookDelivery, error)
}

type InstanceHandler struct {
	registry   SessionRegistry
	deliveries DeliveryLog
}

func NewInstanceHandler(registry SessionRegistry, deliveries DeliveryLog) *InstanceHandler {
	return &InstanceHandler{
		registry:   registry,
		deliveries: deliveries,
	}
}

// POST /v1/instances
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		WebhookURL string `json:"webhookUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	session, err := h.registry.Create(r.Context(), req.Name, req.WebhookURL)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventSessionCreate,
		SessionID:   session.ID,
		SessionName: session.Name,
		Details:     map[string]interface{}{"webhook": session.WebhookURL != ""},
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     true,
		"instanceId": session.ID,
		"message":    "Instance created, scan the QR code to connect",
	})
}

// GET /v1/instances
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GET /v1/instances/{ref}
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Resolve(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GET /v1/instances/{ref}/qrcode
//
// Responds with {state, qrCode}, or with a PNG when ?format=png.
func (h *InstanceHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Resolve(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, err)
		return
	}

	if session.PairingPayload == nil {
		writeError(w, apperrors.NotFound("pairing code").WithDetails(map[string]string{
			"state": string(session.State),
		}))
		return
	}

	if r.URL.Query().Get("format") != "png" {
		writeJSON(w, http.StatusOK, map[string]any{
			"state":  session.State,
			"qrCode": *session.PairingPayload,
		})
		return
	}

	png, err := qrcode.Encode(*session.PairingPayload, qrcode.Medium, qrImageSize)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to render pairing qr code")
		writeError(w, apperrors.Internal("Failed to render QR code"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// POST /v1/instances/{ref}/messages
func (h *InstanceHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number  string `json:"number"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, apperrors.ValidationError("number and message are required"))
		return
	}

	ref := chi.URLParam(r, "ref")
	delivery, err := h.registry.Send(r.Context(), ref, req.Number, model.OutboundContent{Text: req.Message})
	if err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("failed to send message")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventMessageSend,
		SessionID: delivery.SessionID,
		Details:   map[string]interface{}{"messageId": delivery.MessageID},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    true,
		"messageId": delivery.MessageID,
		"timestamp": delivery.Timestamp.Format(time.RFC3339),
	})
}

// DELETE /v1/instances/{ref}
//
// Unknown sessions are acknowledged like removed ones.
func (h *InstanceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Resolve(chi.URLParam(r, "ref"))
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.ErrCodeNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"status": true})
			return
		}
		writeError(w, err)
		return
	}

	if err := h.registry.Remove(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventSessionDelete,
		SessionID:   session.ID,
		SessionName: session.Name,
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": true})
}

// GET /v1/instances/{ref}/deliveries?limit=
func (h *InstanceHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Resolve(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, err)
		return
	}

	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperrors.InvalidInput("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxDeliveryLimit)
	}

	deliveries, err := h.deliveries.FindBySessionID(r.Context(), session.ID, limit)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to list webhook deliveries")
		writeError(w, apperrors.Database(err))
		return
	}
	if deliveries == nil {
		deliveries = []model.WebhookDelivery{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"total":      len(deliveries),
	})
}

package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
)

// scriptedSubscriber hands the handler one event, then closes the stream.
type scriptedSubscriber struct {
	event        sse.Event
	subscribedTo string
	unsubscribed bool
}

func (s *scriptedSubscriber) Subscribe(sessionID string) *sse.Client {
	s.subscribedTo = sessionID
	client := &sse.Client{SessionID: sessionID, Events: make(chan sse.Event), Done: make(chan struct{})}
	go func() {
		client.Events <- s.event
		close(client.Done)
	}()
	return client
}

func (s *scriptedSubscriber) Unsubscribe(client *sse.Client) {
	s.unsubscribed = true
}

func eventsRouter(h *EventsHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/instances/{ref}/events", h.ServeHTTP)
	return r
}

func TestEventsHandler_ServeHTTP(t *testing.T) {
	t.Run("unknown session is 404", func(t *testing.T) {
		reg := &mockRegistry{}
		reg.On("Resolve", "ghost").Return(nil, apperrors.NotFound("session"))

		rec := httptest.NewRecorder()
		eventsRouter(NewEventsHandler(reg, &scriptedSubscriber{})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/ghost/events", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("streams snapshot then events", func(t *testing.T) {
		reg := &mockRegistry{}
		reg.On("Resolve", "Sales").Return(&model.Session{ID: "s-1", Name: "Sales", State: model.StateAwaitingPairing}, nil)
		sub := &scriptedSubscriber{event: sse.Event{
			Type: "connection_ready",
			Data: json.RawMessage(`{"event":"connection_ready"}`),
		}}

		rec := httptest.NewRecorder()
		eventsRouter(NewEventsHandler(reg, sub)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/Sales/events", nil))

		body := rec.Body.String()
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Contains(t, body, "event: connected\n")
		assert.Contains(t, body, `"state":"awaiting_pairing"`)
		assert.Contains(t, body, "event: connection_ready\n")
		assert.Less(t, strings.Index(body, "event: connected\n"), strings.Index(body, "event: connection_ready"))
		assert.Equal(t, "s-1", sub.subscribedTo)
		assert.True(t, sub.unsubscribed)
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := handler.sendRawEvent(rec, rec, sse.Event{
		Type: "message_received",
		Data: json.RawMessage(`{"text": "hello"}`),
	})

	assert.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, "event: message_received\n")
	assert.Contains(t, body, `data: {"text": "hello"}`)
	assert.Contains(t, body, "\n\n")
}

package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/engine"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/monitor"
)

const maxRequestBytes = 1 << 20

// Router is the part of the engine exposed over HTTP.
type Router interface {
	Publish(ctx context.Context, t event.EventType, source, routingKey string, payload event.Payload, md event.Metadata) (string, error)
	GetMetrics() engine.Metrics
	GetDeadLetterStatus() deadletter.Status
	DeadLetters() []deadletter.Entry
	Discard(key deadletter.Key) error
	Replay(ctx context.Context, key deadletter.Key) (bool, error)
	LastTick() monitor.Report
}

// PublishRequest is the body of POST /v1/events.
type PublishRequest struct {
	EventType  string          `json:"eventType"`
	Source     string          `json:"source"`
	RoutingKey string          `json:"routingKey"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   event.Metadata  `json:"metadata,omitempty"`
}

// EntryRequest names one dead-letter entry.
type EntryRequest struct {
	EnvelopeID string `json:"envelopeId"`
	ConsumerID string `json:"consumerId"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Metrics     engine.Metrics    `json:"metrics"`
	DeadLetters deadletter.Status `json:"deadLetters"`
}

func (s *RouterServer) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/events", s.handlePublish)
	s.mux.HandleFunc("GET /v1/deadletters", s.handleListDeadLetters)
	s.mux.HandleFunc("POST /v1/deadletters/discard", s.handleDiscard)
	s.mux.HandleFunc("POST /v1/deadletters/replay", s.handleReplay)
}

func (s *RouterServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Metrics:     s.router.GetMetrics(),
		DeadLetters: s.router.GetDeadLetterStatus(),
	})
}

func (s *RouterServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := event.ParseEventType(req.EventType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := event.DecodePayload(t, req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.router.Publish(r.Context(), t, req.Source, req.RoutingKey, payload, req.Metadata)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *RouterServer) handleListDeadLetters(w http.ResponseWriter, _ *http.Request) {
	entries := s.router.DeadLetters()
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *RouterServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	key, ok := s.entryKey(w, r)
	if !ok {
		return
	}
	if err := s.router.Discard(key); err != nil {
		s.writeEntryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RouterServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	key, ok := s.entryKey(w, r)
	if !ok {
		return
	}
	recovered, err := s.router.Replay(r.Context(), key)
	if err != nil {
		s.writeEntryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"recovered": recovered})
}

func (s *RouterServer) entryKey(w http.ResponseWriter, r *http.Request) (deadletter.Key, bool) {
	var req EntryRequest
	if !s.decode(w, r, &req) {
		return deadletter.Key{}, false
	}
	if req.EnvelopeID == "" || req.ConsumerID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("envelopeId and consumerId are required"))
		return deadletter.Key{}, false
	}
	return deadletter.Key{EnvelopeID: req.EnvelopeID, ConsumerID: req.ConsumerID}, true
}

func (s *RouterServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *RouterServer) writeEntryError(w http.ResponseWriter, err error) {
	if errors.Is(err, deadletter.ErrEntryNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *RouterServer) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed.")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *RouterServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response body.")
	}
}

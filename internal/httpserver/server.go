// Package httpserver exposes the inbound control surface: batch submission,
// checkpoint decisions, cancellation, winner override, and the live progress
// event stream.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jonathanhollander/assetforge/internal/approval"
	"github.com/jonathanhollander/assetforge/internal/broadcast"
	"github.com/jonathanhollander/assetforge/internal/models"
	"github.com/jonathanhollander/assetforge/internal/pipeline"
	"github.com/jonathanhollander/assetforge/internal/store"
)

// Server wires the pipeline, gate, store and broadcaster behind chi routes.
type Server struct {
	pipe   *pipeline.Pipeline
	gate   *approval.Gate
	st     store.Store
	bus    *broadcast.Broadcaster
	secret string
}

func New(pipe *pipeline.Pipeline, gate *approval.Gate, st store.Store, bus *broadcast.Broadcaster, operatorSecret string) *Server {
	return &Server{
		pipe:   pipe,
		gate:   gate,
		st:     st,
		bus:    bus,
		secret: operatorSecret,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// The event stream holds its connection open; no timeout middleware
		// on this route.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/batches", s.handleListBatches)
			r.Get("/batches/{id}", s.handleGetBatch)
			r.Get("/checkpoints/{id}", s.handleGetCheckpoint)

			r.Group(func(r chi.Router) {
				r.Use(s.operatorAuth)
				r.Post("/batches", s.handleSubmit)
				r.Post("/batches/{id}/cancel", s.handleCancel)
				r.Post("/checkpoints/{id}/approve", s.handleApprove)
				r.Post("/checkpoints/{id}/reject", s.handleReject)
				r.Post("/results/{id}/override", s.handleOverride)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.st.Ping(r.Context()); err != nil {
		status["ok"] = false
		status["store"] = "down"
	}
	writeJSON(w, http.StatusOK, status)
}

type submitItem struct {
	Category string          `json:"category"`
	Kind     string          `json:"kind"`
	Brief    string          `json:"brief"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type submitRequest struct {
	Ceiling float64      `json:"ceiling"`
	Items   []submitItem `json:"items"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items required")
		return
	}
	items := make([]pipeline.SubmitRequest, 0, len(req.Items))
	for i, item := range req.Items {
		if item.Brief == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: brief required", i))
			return
		}
		items = append(items, pipeline.SubmitRequest{
			Category: item.Category,
			Kind:     models.AssetKind(item.Kind),
			Brief:    item.Brief,
			Params:   item.Params,
		})
	}

	batchID, err := s.pipe.Submit(r.Context(), items, models.MicrosFromFloat(req.Ceiling), actorFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batchId": batchID.String()})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.st.ListBatches(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	batch, err := s.st.GetBatch(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := map[string]interface{}{"batch": batch}
	if ledger, err := s.pipe.Ledger(id); err == nil {
		committed, reserved, ceiling := ledger.Snapshot()
		resp["budget"] = map[string]float64{
			"committed": committed.Float(),
			"reserved":  reserved.Float(),
			"remaining": (ceiling - committed - reserved).Float(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.pipe.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not active")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.gate.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.gate.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID, string) (models.ApprovalCheckpoint, error)) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cp, err := fn(id, actorFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, "checkpoint not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoint": cp})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	// Prefer live gate state; fall back to the store for finished batches.
	if cp, err := s.gate.Get(id); err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoint": cp})
		return
	}
	cp, err := s.st.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoint": cp})
}

type overrideRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider required")
		return
	}
	if err := s.pipe.OverrideWinner(r.Context(), id, req.Provider, actorFrom(r)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "competition result not found")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "overridden"})
}

// handleEvents streams ProgressEvents as server-sent events until the client
// disconnects. A slow client only ever loses its own events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[httpserver] marshal event seq=%d: %v", ev.Seq, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpserver] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

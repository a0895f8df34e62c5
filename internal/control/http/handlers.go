// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/vaflow/internal/control/http/problem"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pipeline"
	"github.com/ManuGH/vaflow/internal/pool"
	"github.com/ManuGH/vaflow/internal/resilience"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/source"
	"github.com/ManuGH/vaflow/internal/validate"
)

const (
	defaultHistory = 10
	maxHistory     = 100
	maxBodyBytes   = 64 << 10

	retryAfterSeconds = "5"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string           `json:"status"`
	Pipelines []PipelineHealth `json:"pipelines"`
	Slots     SlotUsage        `json:"slots"`
	Backend   *BackendInfo     `json:"backend,omitempty"`
}

// BackendInfo describes the backend chosen at startup.
type BackendInfo struct {
	Kind         model.BackendKind `json:"kind"`
	Capabilities []model.StageKind `json:"capabilities"`
	SelectedAt   time.Time         `json:"selected_at"`
}

// PipelineHealth is one handle's entry in HealthResponse.
type PipelineHealth struct {
	Handle model.HandleID       `json:"handle"`
	State  model.LifecycleState `json:"state"`
	Failed string               `json:"failed,omitempty"`
}

// SlotUsage reports pool occupancy.
type SlotUsage struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
}

// SourceView merges a slot with the registry's view of its source.
type SourceView struct {
	pool.Slot
	State       model.SourceState    `json:"state"`
	Health      source.Health        `json:"health"`
	Errors      int                  `json:"errors"`
	LastError   string               `json:"last_error,omitempty"`
	EndOfStream bool                 `json:"end_of_stream,omitempty"`
	Recovery    *source.RecoveryInfo `json:"recovery,omitempty"`
}

// AddSourceRequest is the POST /api/v1/sources body.
type AddSourceRequest struct {
	ID      string            `json:"id,omitempty"`
	Locator string            `json:"locator"`
	Config  map[string]string `json:"config,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Pipelines: make([]PipelineHealth, 0, len(s.deps.Pipelines))}
	status := http.StatusOK
	for _, p := range s.deps.Pipelines {
		snap := p.Snapshot(1)
		resp.Pipelines = append(resp.Pipelines, PipelineHealth{Handle: snap.Handle, State: snap.State, Failed: snap.Failed})
		if snap.Failed != "" {
			resp.Status = "failed"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Pool != nil {
		resp.Slots = SlotUsage{InUse: s.deps.Pool.InUse(), Capacity: s.deps.Pool.Capacity()}
	}
	if b := s.deps.Backend; b != nil {
		resp.Backend = &BackendInfo{Kind: b.Kind(), Capabilities: b.Capabilities(), SelectedAt: b.SelectedAt()}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	n := defaultHistory
	if raw := r.URL.Query().Get("history"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			problem.Write(w, r, http.StatusBadRequest, "request/invalid", "Bad Request", "INVALID_QUERY", "history must be a non-negative integer", nil)
			return
		}
		n = min(v, maxHistory)
	}
	out := make([]pipeline.Snapshot, 0, len(s.deps.Pipelines))
	for _, p := range s.deps.Pipelines {
		snap := p.Snapshot(max(n, 1))
		if n == 0 {
			snap.History = nil
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) view(slot pool.Slot) SourceView {
	v := SourceView{Slot: slot}
	if reg, ok := s.deps.Sources[slot.Handle]; ok {
		if info, ok := reg.Lookup(slot.Source); ok {
			v.State = info.State
			v.Health = info.Health
			v.Errors = info.Errors
			v.LastError = info.LastError
			v.EndOfStream = info.EndOfStream
			v.Recovery = info.Recovery
		}
	}
	return v
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	slots := s.deps.Pool.Slots()
	out := make([]SourceView, 0, len(slots))
	for _, slot := range slots {
		out = append(out, s.view(slot))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req AddSourceRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "request/invalid", "Bad Request", "INVALID_BODY", err.Error(), nil)
		return
	}
	v := validate.New()
	v.Locator("locator", req.Locator)
	if err := v.Err(); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "request/invalid", "Bad Request", "INVALID_LOCATOR", err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	slot, err := s.deps.Pool.AcquireSlot(ctx, model.SourceDescriptor{
		ID:      model.SourceID(req.ID),
		Locator: req.Locator,
		Config:  req.Config,
	})
	if err != nil {
		s.writeSourceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sources/"+string(slot.Source))
	writeJSON(w, http.StatusCreated, s.view(*slot))
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id := model.SourceID(chi.URLParam(r, "id"))
	slot, ok := s.deps.Pool.BySource(id)
	if !ok {
		problem.Write(w, r, http.StatusNotFound, "source/not_found", "Not Found", "NOT_FOUND", "no source with id "+string(id), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	err := s.deps.Pool.ReleaseSlot(ctx, slot)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, source.ErrForcedRemoval):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      id,
			"removed": true,
			"warning": err.Error(),
		})
	default:
		s.writeSourceError(w, r, err)
	}
}

// writeSourceError maps admission and removal failures onto statuses.
func (s *Server) writeSourceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, source.ErrUnknownSource), errors.Is(err, pool.ErrUnknownSlot):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, pipeline.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, source.ErrDuplicateSource):
		status, code = http.StatusConflict, "DUPLICATE_SOURCE"
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pipeline.ErrTooManySources):
		status, code = http.StatusServiceUnavailable, "POOL_EXHAUSTED"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	case errors.Is(err, shutdown.ErrShutdown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, source.ErrSourceSyncFailed), errors.Is(err, pipeline.ErrFatalBackend):
		status, code = http.StatusBadGateway, "SOURCE_FAILED"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}

	logger := xglog.WithContext(r.Context(), s.logger)
	ev := logger.Warn()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		ev = logger.Error()
	}
	ev.Err(err).Str(xglog.FieldEvent, "api.source_op_failed").Int("status", status).Msg("source request failed")

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	problem.Write(w, r, status, "source/"+strings.ToLower(code), http.StatusText(status), code, err.Error(), nil)
}

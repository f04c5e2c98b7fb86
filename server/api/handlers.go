// Package api implements the Canvass REST handlers: campaign lifecycle,
// agent fleet, audit trail, and settings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/lifecycle"
	"github.com/canvass-io/canvass/settings"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Machine  *lifecycle.Machine
	Agents   AgentDirectory
	Audit    AuditReader
	Settings SettingsStore
	Logger   *slog.Logger
	Version  string

	// Broadcast pushes an event to connected dashboard clients. Optional.
	Broadcast func(eventType string, payload any)
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/lifecycle/state", h.lifecycleState)
	mux.HandleFunc("GET /api/lifecycle/states", h.lifecycleStates)
	mux.HandleFunc("GET /api/lifecycle/history", h.lifecycleHistory)
	mux.HandleFunc("POST /api/lifecycle/advance", h.lifecycleAdvance)
	mux.HandleFunc("GET /api/lifecycle/gates", h.lifecycleGates)
	mux.HandleFunc("POST /api/lifecycle/gates/{id}/approve", h.approveGate)
	mux.HandleFunc("POST /api/lifecycle/reset", h.lifecycleReset)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/pause", h.pauseAgent)
	mux.HandleFunc("POST /api/agents/{id}/resume", h.resumeAgent)

	mux.HandleFunc("GET /api/audit/events", h.listAuditEvents)

	mux.HandleFunc("GET /api/settings", h.listSettings)
	mux.HandleFunc("PUT /api/settings/{key}", h.updateSetting)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) broadcast(eventType string, payload any) {
	if h.Broadcast != nil {
		h.Broadcast(eventType, payload)
	}
}

// --- Lifecycle handlers ---

type approvalRequest struct {
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes"`
}

func (h *Handlers) lifecycleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.Current())
}

func (h *Handlers) lifecycleStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.States())
}

func (h *Handlers) lifecycleHistory(w http.ResponseWriter, _ *http.Request) {
	history := h.Machine.History()
	if history == nil {
		history = []lifecycle.Transition{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handlers) lifecycleAdvance(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body advances anonymously

	snap, err := h.Machine.Advance(r.Context(), req.ApprovedBy, req.Notes)
	if err != nil {
		var stateErr *lifecycle.StateError
		var gateErr *lifecycle.GateError
		switch {
		case errors.As(err, &stateErr), errors.As(err, &gateErr):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.Logger.Error("advance lifecycle", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "could not persist transition")
		}
		return
	}
	h.broadcast("state_advanced", snap)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) lifecycleGates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.Gates())
}

func (h *Handlers) approveGate(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("id")
	known := false
	for _, g := range h.Machine.Gates() {
		if g.ID == gateID {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "gate not found")
		return
	}

	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.Machine.ApproveGate(r.Context(), gateID, req.ApprovedBy, req.Notes); err != nil {
		var gateErr *lifecycle.GateError
		if errors.As(err, &gateErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Logger.Error("approve gate", slog.String("gate", gateID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not persist approval")
		return
	}
	h.broadcast("gate_approved", map[string]any{
		"gate_id":     gateID,
		"approved_by": req.ApprovedBy,
	})
	writeJSON(w, http.StatusOK, h.Machine.Current())
}

func (h *Handlers) lifecycleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Machine.Reset(r.Context()); err != nil {
		h.Logger.Error("reset lifecycle", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not persist reset")
		return
	}
	snap := h.Machine.Current()
	h.broadcast("state_reset", snap)
	writeJSON(w, http.StatusOK, snap)
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.List()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.Agents.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

func (h *Handlers) pauseAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.Agents.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	rt.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) resumeAgent(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.Agents.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	rt.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit handlers ---

func (h *Handlers) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		AgentType: q.Get("agent_type"),
		EventType: q.Get("event_type"),
		Status:    q.Get("status"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	events, err := h.Audit.Recent(r.Context(), filter)
	if err != nil {
		h.Logger.Error("list audit events", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Settings handlers ---

func (h *Handlers) listSettings(w http.ResponseWriter, r *http.Request) {
	list, err := h.Settings.List(r.Context())
	if err != nil {
		h.Logger.Error("list settings", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) updateSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.Settings.Set(r.Context(), key, req.Value); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown setting key")
			return
		}
		h.Logger.Error("update setting", slog.String("key", key), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.Machine != nil {
		body["current_state"] = h.Machine.Current().Phase
	}
	writeJSON(w, http.StatusOK, body)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}

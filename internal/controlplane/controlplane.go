// Package controlplane exposes the orchestrator Engine over HTTP, one
// endpoint per public Engine method, the same shape as the teacher's
// gorilla/mux OpenAI-compatible API handler.
package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/orchestrator"
)

// API wraps an orchestrator.Engine behind a gorilla/mux router.
type API struct {
	Router *mux.Router
	engine *orchestrator.Engine
	log    *zap.Logger
}

// New builds the control plane router over engine.
func New(engine *orchestrator.Engine, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	api := &API{Router: mux.NewRouter(), engine: engine, log: log}
	api.setupRoutes()
	return api
}

func (api *API) setupRoutes() {
	api.Router.HandleFunc("/v1/jobs", api.handleSubmit).Methods(http.MethodPost)
	api.Router.HandleFunc("/v1/jobs/{id}", api.handleStatus).Methods(http.MethodGet)
	api.Router.HandleFunc("/v1/jobs/{id}", api.handleCancel).Methods(http.MethodDelete)
	api.Router.HandleFunc("/v1/stats", api.handleStats).Methods(http.MethodGet)
	api.Router.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
}

// submitRequest is the wire shape of POST /v1/jobs. BackendHints,
// Verification and Priority are accepted as names rather than raw ints:
// backend hints as their Tag.String() names ("CPU", "CUDA", ...),
// verification as "multi_hash"/"range_proof"/"batch_proof", priority as
// "low"/"high"/"critical". Unrecognized verification or priority names fall
// back to none and normal.
type submitRequest struct {
	ID           string   `json:"id,omitempty"`
	Program      []byte   `json:"program"`
	Input        []byte   `json:"input"`
	BackendHints []string `json:"backend_hints,omitempty"`
	Verification string   `json:"verification,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty"`
	Constraints  struct {
		MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
		MaxWallTimeMs  int64   `json:"max_wall_time_ms,omitempty"`
		MaxCostUnits   float64 `json:"max_cost_units,omitempty"`
	} `json:"constraints,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (api *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
		return
	}

	hints := make([]backend.Tag, 0, len(req.BackendHints))
	for _, h := range req.BackendHints {
		tag, ok := parseBackendTag(h)
		if !ok {
			api.sendError(w, http.StatusBadRequest, "invalid_request", "unrecognized backend hint: "+h)
			return
		}
		hints = append(hints, tag)
	}

	job := &orchestrator.Job{
		ID:           req.ID,
		Program:      req.Program,
		Input:        req.Input,
		BackendHints: hints,
		Verification: parseVerification(req.Verification),
		Priority:     parsePriority(req.Priority),
		DependsOn:    req.DependsOn,
		MaxRetries:   req.MaxRetries,
		Constraints: orchestrator.ResourceConstraints{
			MaxMemoryBytes: req.Constraints.MaxMemoryBytes,
			MaxWallTimeMs:  req.Constraints.MaxWallTimeMs,
			MaxCostUnits:   req.Constraints.MaxCostUnits,
		},
	}

	id, err := api.engine.Submit(job)
	if err != nil {
		api.log.Warn("job submission rejected", zap.Error(err))
		api.sendError(w, http.StatusBadRequest, "submit_failed", err.Error())
		return
	}
	api.sendJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

type statusResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Result     []byte `json:"result,omitempty"`
	FailKind   string `json:"fail_kind,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	HasProof   bool   `json:"has_proof"`
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := api.engine.Status(id)
	if err != nil {
		api.sendError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	api.sendJSON(w, http.StatusOK, statusResponse{
		ID:         id,
		State:      snap.State.String(),
		Result:     snap.Result,
		FailKind:   snap.FailKind,
		FailReason: snap.FailReason,
		HasProof:   snap.Commitment != nil || len(snap.Proof) > 0,
	})
}

func (api *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := api.engine.Cancel(id); err != nil {
		api.sendError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, api.engine.Stats())
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.log.Error("failed to encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (api *API) sendError(w http.ResponseWriter, status int, errType, message string) {
	var resp errorResponse
	resp.Error.Message = message
	resp.Error.Type = errType
	api.sendJSON(w, status, resp)
}

func parseBackendTag(s string) (backend.Tag, bool) {
	switch s {
	case "CPU":
		return backend.CPU, true
	case "CUDA":
		return backend.CUDA, true
	case "ROCM":
		return backend.ROCM, true
	case "METAL":
		return backend.METAL, true
	case "VULKAN":
		return backend.VULKAN, true
	case "OPENCL":
		return backend.OPENCL, true
	case "REMOTE_GPU":
		return backend.REMOTE_GPU, true
	case "LEDGER":
		return backend.LEDGER, true
	case "QUANTUM":
		return backend.QUANTUM, true
	default:
		return backend.CPU, false
	}
}

func parseVerification(s string) orchestrator.VerificationMode {
	switch s {
	case "multi_hash":
		return orchestrator.VerificationMultiHash
	case "range_proof":
		return orchestrator.VerificationRangeProof
	case "batch_proof":
		return orchestrator.VerificationBatchProof
	default:
		return orchestrator.VerificationNone
	}
}

func parsePriority(s string) orchestrator.Priority {
	switch s {
	case "low":
		return orchestrator.Low
	case "high":
		return orchestrator.High
	case "critical":
		return orchestrator.Critical
	default:
		return orchestrator.Normal
	}
}

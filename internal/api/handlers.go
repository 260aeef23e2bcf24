package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/registry"
	"secure-code-sandbox/internal/scheduler"
)

type Handlers struct {
	sched   *scheduler.Scheduler
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

func NewHandlers(sched *scheduler.Scheduler, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		sched:   sched,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

// HandleSubmit admits code asynchronously: validation happens inline,
// execution happens whenever a slot frees up.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmit(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "submit",
		monitor.AttrLanguage.String(req.Language),
	)
	defer span.End()

	exec, err := h.sched.Submit(ctx, scheduler.SubmitRequest{
		Language: req.Language,
		Source:   req.Code,
		Options: registry.Options{
			Timeout:   req.Timeout.Duration,
			MemoryMB:  req.Limits.MemoryMB,
			CPUShares: req.Limits.CPUShares,
			PidsLimit: req.Limits.PidsLimit,
		},
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	span.SetAttributes(monitor.AttrExecID.String(exec.ID()))

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ExecutionID:   exec.ID(),
		State:         string(exec.State()),
		QueuePosition: h.sched.QueuePosition(exec.ID()),
	})
}

// HandleStatus polls one execution. Observing a terminal state delivers
// the result; the id is forgotten afterwards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	st, err := h.sched.StatusOf(id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(st))
}

// HandleCancel withdraws a queued execution or signals a running one.
// cancelled=false means the execution already started; the signal is
// best effort and the run may still finish normally.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	cancelled, err := h.sched.Cancel(id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, CancelResponse{ExecutionID: id, Cancelled: cancelled})
}

// HandleExecuteSync is the submit-and-wait convenience wrapper.
func (h *Handlers) HandleExecuteSync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmit(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "execute_sync",
		monitor.AttrLanguage.String(req.Language),
	)
	defer span.End()

	exec, err := h.sched.Submit(ctx, scheduler.SubmitRequest{
		Language: req.Language,
		Source:   req.Code,
		Options: registry.Options{
			Timeout:   req.Timeout.Duration,
			MemoryMB:  req.Limits.MemoryMB,
			CPUShares: req.Limits.CPUShares,
			PidsLimit: req.Limits.PidsLimit,
		},
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	span.SetAttributes(monitor.AttrExecID.String(exec.ID()))

	result, err := h.sched.Wait(ctx, exec.ID())
	if err != nil {
		log.Error().Err(err).Str("exec_id", exec.ID()).Msg("wait interrupted")
		writeError(w, "execution interrupted", "INTERRUPTED", http.StatusServiceUnavailable, r)
		return
	}

	h.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	span.SetAttributes(monitor.AttrDurationMS.Int64(result.ElapsedMS()))

	writeJSON(w, http.StatusOK, StatusResponse{
		ExecutionID:       exec.ID(),
		Language:          req.Language,
		State:             string(exec.State()),
		Stdout:            result.Stdout,
		Stderr:            result.Stderr,
		ExitCode:          result.ExitCode,
		ElapsedMS:         result.ElapsedMS(),
		TerminationReason: string(result.Reason),
		Error:             result.Err,
	})
}

func (h *Handlers) decodeSubmit(w http.ResponseWriter, r *http.Request) (SubmitRequest, bool) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	return req, true
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := scheduler.AsRejected(err); ok {
		writeJSON(w, http.StatusBadRequest, RejectionResponse{
			Error:      "code rejected by validation",
			Code:       "VALIDATION_REJECTED",
			RequestID:  RequestIDFromContext(r.Context()),
			Violations: rej.Violations,
		})
		return
	}
	if errors.Is(err, scheduler.ErrQueueSaturated) {
		w.Header().Set("Retry-After", "1")
		writeError(w, "admission queue saturated", "QUEUE_SATURATED", http.StatusTooManyRequests, r)
		return
	}
	if errors.Is(err, scheduler.ErrClosed) {
		writeError(w, "service shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submit failed")
	writeError(w, "submission failed", "INTERNAL", http.StatusInternalServerError, r)
}

func statusResponse(st scheduler.Status) StatusResponse {
	resp := StatusResponse{
		ExecutionID:   st.ExecID,
		Language:      st.Language,
		State:         string(st.State),
		QueuePosition: st.QueuePosition,
	}
	if st.Result != nil {
		resp.Stdout = st.Result.Stdout
		resp.Stderr = st.Result.Stderr
		resp.ExitCode = st.Result.ExitCode
		resp.ElapsedMS = st.Result.ElapsedMS()
		resp.TerminationReason = string(st.Result.Reason)
		resp.Error = st.Result.Err
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

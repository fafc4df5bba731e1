package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/examflow/internal/batch"
	"github.com/shehryarbajwa/examflow/internal/worker"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// BatchService runs batches; *batch.Manager implements it
type BatchService interface {
	Create(req batch.Request) (batch.Batch, error)
	Get(id string) (batch.Batch, error)
	List() []batch.Batch
	Cancel(id string) (batch.Batch, error)
}

// DetachedInputs answers input requests of runs without a client;
// *worker.Server implements it
type DetachedInputs interface {
	Pending(runID string) (models.PendingInput, bool)
	Submit(runID string, kind models.InputKind, fieldID, value string) error
}

type batchView struct {
	batch.Batch
	Progress float64 `json:"progress"`
}

func viewBatch(b batch.Batch) batchView {
	return batchView{Batch: b, Progress: b.Progress()}
}

type createBatchRequest struct {
	ExamID       string   `json:"examId"`
	UserIDs      []string `json:"userIds"`
	DelaySeconds *int     `json:"delaySeconds"`
}

// CreateBatch handles POST /v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req createBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	breq := batch.Request{ExamID: req.ExamID, UserIDs: req.UserIDs, CreatedBy: claims.UserID}
	if req.DelaySeconds != nil {
		if *req.DelaySeconds < 0 {
			writeError(w, http.StatusBadRequest, "delaySeconds must not be negative")
			return
		}
		// batch.Request treats zero as the default, so keep an explicit zero tiny.
		breq.Delay = max(time.Duration(*req.DelaySeconds)*time.Second, time.Millisecond)
	}

	b, err := h.batches.Create(breq)
	if err != nil {
		if errors.Is(err, batch.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create batch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	writeJSON(w, http.StatusCreated, viewBatch(b))
}

// ListBatches handles GET /v1/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	list := h.batches.List()
	out := make([]batchView, 0, len(list))
	for _, b := range list {
		out = append(out, viewBatch(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, viewBatch(b))
}

// CancelBatch handles POST /v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Cancel(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, batch.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, batch.ErrFinished):
		writeError(w, http.StatusConflict, "batch already finished")
	case err != nil:
		h.logger.Error("failed to cancel batch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel batch")
	default:
		writeJSON(w, http.StatusOK, viewBatch(b))
	}
}

// GetSessionInput handles GET /v1/sessions/{id}/input
func (h *Handler) GetSessionInput(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}
	prompt, ok := h.inputs.Pending(run.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no input requested")
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

type submitInputRequest struct {
	Kind    models.InputKind `json:"kind"`
	FieldID string           `json:"fieldId"`
	Value   string           `json:"value"`
}

// SubmitSessionInput handles POST /v1/sessions/{id}/input
func (h *Handler) SubmitSessionInput(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	var req submitInputRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case models.InputOTP, models.InputCaptcha, models.InputCustom:
	default:
		writeError(w, http.StatusBadRequest, "kind must be otp, captcha or custom")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value must not be empty")
		return
	}

	err := h.inputs.Submit(run.ID, req.Kind, req.FieldID, req.Value)
	switch {
	case errors.Is(err, worker.ErrWrongInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, worker.ErrNoRequest), errors.Is(err, worker.ErrNotDetached):
		writeError(w, http.StatusConflict, "no input requested")
	case err != nil:
		h.logger.Error("failed to submit input", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit input")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

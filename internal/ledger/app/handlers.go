package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/fernwick/timeledger/internal/ledger/domain"
	ledgererrors "github.com/fernwick/timeledger/internal/platform/errors"
)

const maxRequestBodyBytes = 256 * 1024

type apiHandler struct {
	svc      *domain.Service
	verifier *Verifier
}

type taskPayload struct {
	Date         string `json:"date"`
	PeriodID     string `json:"period_id"`
	TaskTypeID   string `json:"task_type_id"`
	TaskSourceID string `json:"task_source_id"`
	Description  string `json:"description"`
}

type createTasksRequest struct {
	OwnerGUID string        `json:"owner_guid"`
	Tasks     []taskPayload `json:"tasks"`
}

type createTasksResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type reorderTaskRequest struct {
	OwnerGUID   string `json:"owner_guid"`
	TaskID      string `json:"task_id"`
	Date        string `json:"date"`
	NewPosition int    `json:"new_position"`
}

type reorderTaskResponse struct {
	Changed bool `json:"changed"`
}

type taskView struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	PeriodID     string `json:"period_id"`
	TaskTypeID   string `json:"task_type_id"`
	TaskSourceID string `json:"task_source_id"`
	Description  string `json:"description"`
	DisplayOrder int64  `json:"display_order"`
}

type dayView struct {
	Date  string     `json:"date"`
	Tasks []taskView `json:"tasks"`
}

type daysResponse struct {
	Days []dayView `json:"days"`
}

type catalogView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Field     string `json:"field,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (h *apiHandler) createTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	ownerID, ok := h.resolveOwner(w, r, req.OwnerGUID)
	if !ok {
		return
	}

	input := domain.CreateTasksInput{OwnerID: ownerID}
	for _, task := range req.Tasks {
		input.Tasks = append(input.Tasks, domain.TaskSpec{
			Date:         task.Date,
			PeriodID:     task.PeriodID,
			TaskTypeID:   task.TaskTypeID,
			TaskSourceID: task.TaskSourceID,
			Description:  task.Description,
		})
	}

	ids, err := h.svc.CreateTasks(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTasksResponse{TaskIDs: ids})
}

func (h *apiHandler) reorderTask(w http.ResponseWriter, r *http.Request) {
	var req reorderTaskRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	ownerID, ok := h.resolveOwner(w, r, req.OwnerGUID)
	if !ok {
		return
	}

	outcome, err := h.svc.ReorderTask(r.Context(), domain.ReorderInput{
		OwnerID:     ownerID,
		TaskID:      req.TaskID,
		Date:        req.Date,
		NewPosition: req.NewPosition,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reorderTaskResponse{Changed: outcome.Changed})
}

func (h *apiHandler) getDaysData(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ownerID, ok := h.resolveOwner(w, r, query.Get("owner_guid"))
	if !ok {
		return
	}

	days, err := h.svc.GetDaysData(r.Context(), domain.RangeInput{
		OwnerID:  ownerID,
		DateFrom: query.Get("date_from"),
		DateTo:   query.Get("date_to"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := daysResponse{Days: make([]dayView, 0, len(days))}
	for _, day := range days {
		view := dayView{Date: day.Date, Tasks: make([]taskView, 0, len(day.Tasks))}
		for _, task := range day.Tasks {
			view.Tasks = append(view.Tasks, taskView{
				ID:           task.ID,
				Date:         task.Date,
				PeriodID:     task.PeriodID,
				TaskTypeID:   task.TaskTypeID,
				TaskSourceID: task.TaskSourceID,
				Description:  task.Description,
				DisplayOrder: task.DisplayOrder,
			})
		}
		resp.Days = append(resp.Days, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) listPeriods(w http.ResponseWriter, r *http.Request) {
	h.writeCatalog(w, r, "periods", h.svc.Periods)
}

func (h *apiHandler) listTaskTypes(w http.ResponseWriter, r *http.Request) {
	h.writeCatalog(w, r, "task_types", h.svc.TaskTypes)
}

func (h *apiHandler) listTaskSources(w http.ResponseWriter, r *http.Request) {
	h.writeCatalog(w, r, "task_sources", h.svc.TaskSources)
}

func (h *apiHandler) writeCatalog(w http.ResponseWriter, r *http.Request, key string, list func(context.Context) ([]domain.CatalogEntry, error)) {
	entries, err := list(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]catalogView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, catalogView{ID: entry.ID, Name: entry.Name})
	}
	writeJSON(w, http.StatusOK, map[string][]catalogView{key: views})
}

// resolveOwner determines the acting owner. With a verifier configured the
// token subject is authoritative and any conflicting caller-supplied owner
// is rejected. Without one the caller-supplied owner is trusted as-is.
func (h *apiHandler) resolveOwner(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	claimed = strings.TrimSpace(claimed)
	if h.verifier == nil {
		return claimed, true
	}

	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	ownerID, err := h.verifier.OwnerID(token)
	if err != nil {
		log.Printf("ledger: rejected token for remote=%s path=%q err=%v", r.RemoteAddr, r.URL.Path, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	if claimed != "" && claimed != ownerID {
		http.Error(w, "owner mismatch", http.StatusForbidden)
		return "", false
	}
	return ownerID, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
			Code:    "INVALID_BODY",
			Message: "request body is not valid JSON for this endpoint",
		}})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ledger: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := ledgererrors.CodeOf(err)
	body := errorBody{
		Code:      string(code),
		Message:   publicMessage(err, code),
		Retryable: code.Retryable(),
		Field:     ledgererrors.FieldOf(err),
	}
	writeJSON(w, code.HTTPStatus(), errorEnvelope{Error: body})
}

// publicMessage keeps storage failure details out of responses while
// passing validation messages through to callers.
func publicMessage(err error, code ledgererrors.Code) string {
	switch code {
	case ledgererrors.CodeStorageFailure, ledgererrors.CodeUnknown:
		return "internal error"
	}
	var domainErr *ledgererrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "internal error"
}

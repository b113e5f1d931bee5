// Package handlers implements the HTTP admission boundary: request
// validation, translation into store operations, and response shaping.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nimbuschain/fetch/internal/http/response"
	"github.com/nimbuschain/fetch/internal/observability"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/store"
)

// JobHandler serves every /v1/jobs* route.
type JobHandler struct {
	store     store.JobStore
	providers *provider.Registry
	metrics   *observability.Metrics
	log       *logger.Logger
}

func NewJobHandler(st store.JobStore, providers *provider.Registry, metrics *observability.Metrics, log *logger.Logger) *JobHandler {
	return &JobHandler{store: st, providers: providers, metrics: metrics, log: log}
}

// CreateJob handles POST /v1/jobs.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var sub JobSubmission
	if err := bindJobSubmission(c, &sub); err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "ValidationError", err)
		return
	}
	if err := validate(sub, h.providers); err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "ValidationError", err)
		return
	}

	id, err := h.createOne(c, sub)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "CreateJobFailed", err)
		return
	}
	response.RespondCreated(c, gin.H{"job_id": id})
}

// CreateJobsBatch handles POST /v1/jobs/batch.
func (h *JobHandler) CreateJobsBatch(c *gin.Context) {
	var batch jobBatchRequest
	if err := bindJobBatch(c, &batch); err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "ValidationError", err)
		return
	}
	subs := batch.Jobs
	if len(subs) == 0 {
		response.RespondError(c, http.StatusUnprocessableEntity, "ValidationError", invalid("batch must contain at least one job"))
		return
	}
	for i, sub := range subs {
		if err := validate(sub, h.providers); err != nil {
			response.RespondError(c, http.StatusUnprocessableEntity, "ValidationError", invalid("job[%d]: %v", i, err))
			return
		}
	}

	ids := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		id, err := h.createOne(c, sub)
		if err != nil {
			response.RespondError(c, http.StatusInternalServerError, "CreateJobFailed", err)
			return
		}
		ids = append(ids, id)
	}
	response.RespondCreated(c, gin.H{"job_ids": ids})
}

func (h *JobHandler) createOne(c *gin.Context, sub JobSubmission) (uuid.UUID, error) {
	req := toRunnerRequest(sub)
	reqMap := map[string]interface{}{}
	if b, err := json.Marshal(req); err == nil {
		_ = json.Unmarshal(b, &reqMap)
	}

	jobType := sub.JobType
	if jobType == "" {
		jobType = jobTypeSearchDownload
	}

	id, err := h.store.CreateJob(c.Request.Context(), store.CreateJobInput{
		JobType:    jobType,
		Provider:   sub.Provider,
		Collection: sub.Collection,
		OutputDir:  sub.OutputDir,
		Request:    reqMap,
	})
	if err == nil && h.metrics != nil {
		h.metrics.ObserveJobSubmitted(sub.Provider)
	}
	return id, err
}

// GetJob handles GET /v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "NotFound", store.ErrNotFound)
		return
	}
	job, err := h.store.GetJob(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			response.RespondError(c, http.StatusNotFound, "NotFound", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "GetJobFailed", err)
		return
	}
	response.RespondOK(c, job)
}

// CancelJob handles DELETE /v1/jobs/:id.
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "NotFound", store.ErrNotFound)
		return
	}
	outcome, err := h.store.RequestCancel(c.Request.Context(), id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "CancelFailed", err)
		return
	}
	switch outcome {
	case store.CancelUnknown:
		response.RespondError(c, http.StatusNotFound, "NotFound", invalid("job %s not found", id))
	default:
		response.RespondOK(c, gin.H{"job_id": id, "cancel_requested": outcome == store.CancelApplied})
	}
}

// GetResult handles GET /v1/jobs/:id/result.
func (h *JobHandler) GetResult(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "NotFound", store.ErrNotFound)
		return
	}
	result, err := h.store.GetResult(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			response.RespondError(c, http.StatusNotFound, "NotFound", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "GetResultFailed", err)
		return
	}
	response.RespondOK(c, result)
}

// ListJobs handles GET /v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := store.ListFilter{
		State:    c.Query("state"),
		Provider: c.Query("provider"),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	if v := c.Query("date_from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.DateFrom = &t
		}
	}
	if v := c.Query("date_to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.DateTo = &t
		}
	}

	result, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "ListJobsFailed", err)
		return
	}
	response.RespondOK(c, result)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

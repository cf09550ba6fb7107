package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/justsurfingit/applytrail/internal/dtos"
	"github.com/justsurfingit/applytrail/internal/models"
	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/store"
)

// JobHandler serves the dashboard.
type JobHandler struct {
	JobService *services.JobService
}

func NewJobHandler(j *services.JobService) *JobHandler {
	return &JobHandler{JobService: j}
}

func (h *JobHandler) Register(r gin.IRouter) {
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/stats", h.Stats)
	r.GET("/jobs/:id", h.GetJob)
	r.PATCH("/jobs/:id/status", h.UpdateStatus)
}

// ListJobs is the GET /jobs endpoint: ?status=&from=&to=&limit=
func (h *JobHandler) ListJobs(c *gin.Context) {
	var f store.JobFilter
	if v := c.Query("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = &st
	}
	r, err := parseRange(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f.Range = r
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	jobs, err := h.JobService.ListJobs(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.JobService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Stats(c *gin.Context) {
	r, err := parseRange(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.JobService.Stats(c.Request.Context(), r)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// UpdateStatus is the PATCH /jobs/:id/status endpoint for manual edits.
func (h *JobHandler) UpdateStatus(c *gin.Context) {
	var req dtos.StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format: " + err.Error()})
		return
	}
	st, err := models.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.JobService.UpdateStatus(c.Request.Context(), c.Param("id"), st, req.Reason)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if t == nil {
		c.JSON(http.StatusOK, gin.H{"changed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": true, "transition": t})
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

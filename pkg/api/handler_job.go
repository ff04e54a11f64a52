package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/services"
)

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, kindValidation, "invalid JSON body: "+err.Error())
		return
	}

	receipt, err := s.intake.Submit(c.Request.Context(), services.SubmitInput{
		OrgID:              req.OrgID,
		AppVersionID:       req.AppVersionID,
		TestPath:           req.TestPath,
		Target:             models.Target(req.Target),
		DeviceRequirements: req.DeviceRequirements,
		Priority:           req.Priority,
		Timeout:            time.Duration(req.TimeoutMS) * time.Millisecond,
		RetryBudget:        req.RetryBudget,
		ClientRequestID:    req.ClientRequestID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if receipt.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, submitResponse{
		JobID:          receipt.Job.ID,
		State:          string(receipt.Job.State),
		QueuePosition:  receipt.QueuePosition,
		EstimatedStart: receipt.EstimatedStart,
		Deduplicated:   receipt.Deduplicated,
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	list, err := s.jobs.List(c.Request.Context(), models.JobFilters{
		OrgID:        c.Query("org_id"),
		State:        models.JobState(c.Query("status")),
		AppVersionID: c.Query("app_version_id"),
		Target:       models.Target(c.Query("target")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := jobListResponse{
		Jobs:       make([]jobResponse, 0, len(list.Jobs)),
		TotalCount: list.TotalCount,
		Limit:      list.Limit,
		Offset:     list.Offset,
	}
	for _, job := range list.Jobs {
		out.Jobs = append(out.Jobs, toJobResponse(job))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleJobAudit(c *gin.Context) {
	entries, err := s.jobs.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	var req cancelRequest
	// The body is optional; an empty cancel carries no reason.
	_ = c.ShouldBindJSON(&req)

	job, err := s.jobs.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

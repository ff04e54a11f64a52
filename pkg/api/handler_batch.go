package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/supervisor"
)

func (s *Server) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		writeError(c, http.StatusBadRequest, kindValidation, "agent_id is required")
		return
	}

	batch, err := s.supervisor.Claim(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchResponse(batch))
}

func (s *Server) handleProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" || req.JobID == "" {
		writeError(c, http.StatusBadRequest, kindValidation, "agent_id and job_id are required")
		return
	}

	err := s.supervisor.Progress(c.Request.Context(), c.Param("id"), req.AgentID, req.JobID,
		models.JobProgress{
			CompletedSteps: req.CompletedSteps,
			TotalSteps:     req.TotalSteps,
			Message:        req.Message,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" || req.JobID == "" {
		writeError(c, http.StatusBadRequest, kindValidation, "agent_id and job_id are required")
		return
	}

	job, err := s.supervisor.Report(c.Request.Context(), c.Param("id"), req.AgentID, req.JobID,
		supervisor.ReportInput{
			Success:      req.Success,
			Counts:       req.Counts,
			ArtifactsURI: req.ArtifactsURI,
			ErrorKind:    models.FailureKind(req.ErrorKind),
			ErrorMessage: req.ErrorMessage,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

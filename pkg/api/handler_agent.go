package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/models"
)

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, kindValidation, "invalid JSON body: "+err.Error())
		return
	}

	agent, err := s.agents.Register(c.Request.Context(), req.Capabilities, req.MaxConcurrentBatches)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAgentResponse(agent))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	ack, err := s.agents.Heartbeat(c.Request.Context(), c.Param("id"),
		models.AgentStatus(req.Status), req.BatchIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	cancels := ack.CancelBatchIDs
	if cancels == nil {
		cancels = []string{}
	}
	c.JSON(http.StatusOK, heartbeatResponse{
		Status:         string(ack.Status),
		CancelBatchIDs: cancels,
	})
}

func (s *Server) handlePoll(c *gin.Context) {
	assignment, cancelIDs, err := s.agents.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPollResponse(assignment, cancelIDs))
}

func (s *Server) handleDrain(c *gin.Context) {
	agent, err := s.agents.Drain(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgentResponse(agent))
}

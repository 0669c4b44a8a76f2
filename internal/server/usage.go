package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/internal/queue"
)

type ingestUsageRequest struct {
	CustomerID string            `json:"customer_id" binding:"required"`
	EventName  string            `json:"event_name" binding:"required"`
	Value      float64           `json:"value"`
	Properties map[string]string `json:"properties"`

	AddGroups    []string `json:"add_groups"`
	RemoveGroups []string `json:"remove_groups"`
}

// IngestUsage validates and enqueues one usage event. Deduction happens
// asynchronously in the worker; the caller only learns the event was
// accepted.
func (s *Server) IngestUsage(c *gin.Context) {
	var req ingestUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	event := queue.UsageEvent{
		OrgID:        orgID.String(),
		Env:          orgcontext.EnvFromContext(ctx),
		CustomerID:   strings.TrimSpace(req.CustomerID),
		EventName:    strings.TrimSpace(req.EventName),
		Value:        req.Value,
		Properties:   req.Properties,
		AddGroups:    req.AddGroups,
		RemoveGroups: req.RemoveGroups,
	}
	if err := s.producer.Publish(ctx, event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

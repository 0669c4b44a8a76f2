package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	attachdomain "github.com/meterline/meterline/internal/attach/domain"
)

func (s *Server) Attach(c *gin.Context) {
	var req attachdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	resp, err := s.attachSvc.Attach(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
)

func (s *Server) CreateFeature(c *gin.Context) {
	var req featuredomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	resp, err := s.featureSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) ListFeatures(c *gin.Context) {
	req := featuredomain.ListRequest{
		Code: strings.TrimSpace(c.Query("code")),
	}
	if ft := strings.TrimSpace(c.Query("feature_type")); ft != "" {
		t := featuredomain.FeatureType(ft)
		req.FeatureType = &t
	}
	if err := c.ShouldBindQuery(&req.Page); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	items, page, err := s.featureSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": page})
}

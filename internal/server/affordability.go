package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	affordabilitydomain "github.com/tandahq/rueda/internal/affordability/domain"
)

func (s *Server) CheckAffordability(c *gin.Context) {
	var req affordabilitydomain.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}

	resp, err := s.affordabilitySvc.Check(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

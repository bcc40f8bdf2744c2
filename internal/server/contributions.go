package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) EnsureCycleContributions(c *gin.Context) {
	created, err := s.contributionSvc.EnsureForCycle(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"created": created}})
}

func (s *Server) ListCycleContributions(c *gin.Context) {
	contributions, err := s.contributionSvc.ForCycle(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contributions})
}

func (s *Server) GetContributionByID(c *gin.Context) {
	contribution, err := s.contributionSvc.GetByID(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contribution})
}

func (s *Server) ClassifyContribution(c *gin.Context) {
	result, err := s.contributionSvc.Classify(c.Request.Context(), pathID(c), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) PayContribution(c *gin.Context) {
	contribution, err := s.contributionSvc.RecordPayment(c.Request.Context(), pathID(c), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contribution})
}

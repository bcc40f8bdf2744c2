package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) SchedulePayout(c *gin.Context) {
	payout, err := s.payoutSvc.Schedule(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) CheckPayoutEligibility(c *gin.Context) {
	eligibility, err := s.payoutSvc.CheckEligibility(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": eligibility})
}

func (s *Server) ListCirclePayouts(c *gin.Context) {
	payouts, err := s.payoutSvc.ForCircle(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payouts})
}

func (s *Server) GetPayoutByID(c *gin.Context) {
	payout, err := s.payoutSvc.GetByID(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) ExecutePayout(c *gin.Context) {
	payout, err := s.payoutSvc.Execute(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) CancelPayout(c *gin.Context) {
	payout, err := s.payoutSvc.Cancel(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

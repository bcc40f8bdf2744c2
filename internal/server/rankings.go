package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swapdomain "github.com/tandahq/rueda/internal/swap/domain"
)

func (s *Server) RankCircle(c *gin.Context) {
	result, err := s.rankingSvc.Rank(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) PreviewCircleRank(c *gin.Context) {
	result, err := s.rankingSvc.Preview(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ExecuteSwap(c *gin.Context) {
	var req swapdomain.SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}

	result, err := s.swapSvc.Execute(c.Request.Context(), req)
	if err != nil {
		// A rejected swap still produced an audit record; the reason error
		// drives the status code and the record rides along.
		if result.Swap.Status == swapdomain.SwapRejected {
			status, payload := mapError(err)
			c.JSON(status, gin.H{"data": result, "error": payload})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

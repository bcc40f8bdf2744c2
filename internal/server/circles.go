package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
)

func (s *Server) CreateCircle(c *gin.Context) {
	var req circledomain.CreateCircleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		AbortWithError(c, newValidationError("name is required", "name"))
		return
	}

	circle, err := s.circleSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circle})
}

func (s *Server) ListCircles(c *gin.Context) {
	var req circledomain.ListCircleRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}

	resp, err := s.circleSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCircleByID(c *gin.Context) {
	circle, err := s.circleSvc.GetByID(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circle})
}

func (s *Server) JoinCircle(c *gin.Context) {
	var req circledomain.JoinCircleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	req.CircleID = pathID(c)

	member, err := s.circleSvc.Join(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": member})
}

func (s *Server) ActivateCircle(c *gin.Context) {
	circle, err := s.circleSvc.Activate(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circle})
}

type transitionCircleRequest struct {
	Status string `json:"status"`
}

func (s *Server) TransitionCircle(c *gin.Context) {
	var req transitionCircleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	target := circledomain.CircleStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if target == "" {
		AbortWithError(c, newValidationError("status is required", "status"))
		return
	}

	circle, err := s.circleSvc.Transition(c.Request.Context(), pathID(c), target)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circle})
}

type updateCircleTermsRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Frequency   string `json:"frequency"`
}

func (s *Server) UpdateCircleTerms(c *gin.Context) {
	var req updateCircleTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}

	circle, err := s.circleSvc.UpdateTerms(c.Request.Context(), pathID(c), req.AmountMinor, strings.TrimSpace(req.Frequency))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": circle})
}

func (s *Server) ScheduleCircleDueDates(c *gin.Context) {
	result, err := s.circleSvc.ScheduleDueDates(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListCircleMembers(c *gin.Context) {
	members, err := s.circleSvc.Members(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": members})
}

func (s *Server) ListCircleCycles(c *gin.Context) {
	cycles, err := s.circleSvc.Cycles(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cycles})
}

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListCircleDefaults(c *gin.Context) {
	defaults, err := s.cascadeSvc.ForCircle(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": defaults})
}

func (s *Server) GetDefaultByID(c *gin.Context) {
	dflt, err := s.cascadeSvc.GetByID(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dflt})
}

func (s *Server) CoverDefault(c *gin.Context) {
	breakdown, err := s.cascadeSvc.Cover(c.Request.Context(), pathID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": breakdown})
}

type extendGraceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ExtendDefaultGracePeriod(c *gin.Context) {
	var req extendGraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, newValidationError("reason is required", "reason"))
		return
	}

	grace, err := s.cascadeSvc.ExtendGracePeriod(c.Request.Context(), pathID(c), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": grace})
}

type recordRecoveryRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	RequestID   string `json:"request_id"`
}

// RecordDefaultRecovery applies a repayment. The client-supplied request key
// makes replays after a partial success safe.
func (s *Server) RecordDefaultRecovery(c *gin.Context) {
	var req recordRecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		AbortWithError(c, newValidationError("request_id is required", "request_id"))
		return
	}

	dflt, err := s.cascadeSvc.RecordRecovery(c.Request.Context(), pathID(c), req.AmountMinor, req.RequestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dflt})
}

type createPaymentPlanRequest struct {
	Installments int    `json:"installments"`
	RequestID    string `json:"request_id"`
}

func (s *Server) CreateDefaultPaymentPlan(c *gin.Context) {
	var req createPaymentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		AbortWithError(c, newValidationError("request_id is required", "request_id"))
		return
	}

	plan, installments, err := s.cascadeSvc.CreatePaymentPlan(c.Request.Context(), pathID(c), req.Installments, req.RequestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"plan": plan, "installments": installments}})
}

type mediatorActionRequest struct {
	MediatorMemberID string `json:"mediator_member_id"`
}

func (r mediatorActionRequest) memberID() (string, error) {
	id := strings.TrimSpace(r.MediatorMemberID)
	if id == "" {
		return "", newValidationError("mediator_member_id is required", "mediator_member_id")
	}
	return id, nil
}

func (s *Server) WriteOffDefault(c *gin.Context) {
	var req mediatorActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	mediatorID, err := req.memberID()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	dflt, err := s.cascadeSvc.WriteOff(c.Request.Context(), pathID(c), mediatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dflt})
}

func (s *Server) DisputeDefault(c *gin.Context) {
	var req mediatorActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	mediatorID, err := req.memberID()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	dflt, err := s.cascadeSvc.Dispute(c.Request.Context(), pathID(c), mediatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dflt})
}

type resolveDisputeRequest struct {
	MediatorMemberID string `json:"mediator_member_id"`
	Upheld           bool   `json:"upheld"`
}

func (s *Server) ResolveDefaultDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}
	mediatorID := strings.TrimSpace(req.MediatorMemberID)
	if mediatorID == "" {
		AbortWithError(c, newValidationError("mediator_member_id is required", "mediator_member_id"))
		return
	}

	dflt, err := s.cascadeSvc.ResolveDispute(c.Request.Context(), pathID(c), mediatorID, req.Upheld)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dflt})
}

package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
)

type accountBalance struct {
	Code    ledgerdomain.LedgerAccountCode `json:"code"`
	Name    string                         `json:"name"`
	Balance int64                          `json:"balance_minor"`
}

func (s *Server) ListCircleBalances(c *gin.Context) {
	circleID, err := snowflake.ParseString(pathID(c))
	if err != nil {
		AbortWithError(c, newValidationError("invalid circle id", "id"))
		return
	}

	var accounts []ledgerdomain.LedgerAccount
	if err := s.db.WithContext(c.Request.Context()).
		Where("circle_id = ?", circleID).
		Order("code ASC").
		Find(&accounts).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	balances := make([]accountBalance, 0, len(accounts))
	for _, account := range accounts {
		balances = append(balances, accountBalance{
			Code:    account.Code,
			Name:    account.Name,
			Balance: account.Balance,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": balances})
}

type depositRequest struct {
	Fund        string `json:"fund"`
	AmountMinor int64  `json:"amount_minor"`
}

// DepositToFund tops up the circle's reserve or insurance fund. These are the
// only two accounts money enters from outside the contribution flow.
func (s *Server) DepositToFund(c *gin.Context) {
	circleID, err := snowflake.ParseString(pathID(c))
	if err != nil {
		AbortWithError(c, newValidationError("invalid circle id", "id"))
		return
	}

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError(err))
		return
	}

	var code ledgerdomain.LedgerAccountCode
	var source ledgerdomain.LedgerSourceType
	switch strings.ToLower(strings.TrimSpace(req.Fund)) {
	case "reserve", string(ledgerdomain.AccountCodeReserveFund):
		code = ledgerdomain.AccountCodeReserveFund
		source = ledgerdomain.SourceTypeReserveDeposit
	case "insurance", string(ledgerdomain.AccountCodeInsuranceFund):
		code = ledgerdomain.AccountCodeInsuranceFund
		source = ledgerdomain.SourceTypeInsuranceDeposit
	default:
		AbortWithError(c, newValidationError("fund must be reserve or insurance", "fund"))
		return
	}
	if req.AmountMinor <= 0 {
		AbortWithError(c, newValidationError("amount_minor must be positive", "amount_minor"))
		return
	}

	ctx := c.Request.Context()
	if err := s.ledgerSvc.EnsureAccounts(ctx, circleID); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.ledgerSvc.Deposit(ctx, circleID, code, req.AmountMinor, source, s.genID.Generate()); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.Balance(ctx, circleID, code)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": accountBalance{Code: code, Balance: balance}})
}

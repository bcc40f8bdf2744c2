package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	obsmetrics "github.com/tandahq/rueda/internal/observability/metrics"
	"github.com/tandahq/rueda/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

var circleAccounts = []struct {
	Code ledgerdomain.LedgerAccountCode
	Name string
}{
	{ledgerdomain.AccountCodeCirclePool, "Circle Pool"},
	{ledgerdomain.AccountCodeReserveFund, "Community Reserve Fund"},
	{ledgerdomain.AccountCodeInsuranceFund, "Platform Insurance Fund"},
	{ledgerdomain.AccountCodePayoutPayable, "Payout Payable"},
	{ledgerdomain.AccountCodeLateFeeIncome, "Late Fee Income"},
	{ledgerdomain.AccountCodeSharedLoss, "Shared Loss"},
	{ledgerdomain.AccountCodeRecoveryReceivable, "Recovery Receivable"},
	{ledgerdomain.AccountCodeExternal, "External Clearing"},
}

func (s *Service) EnsureAccounts(ctx context.Context, circleID snowflake.ID) error {
	if circleID == 0 {
		return ledgerdomain.ErrMissingCircleScope
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, acct := range circleAccounts {
			existing, err := s.findAccount(ctx, tx, circleID, acct.Code, false)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			record := ledgerdomain.LedgerAccount{
				ID:       s.genID.Generate(),
				CircleID: circleID,
				Code:     acct.Code,
				Name:     acct.Name,
			}
			if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
				if db.IsDuplicateKeyErr(err) {
					continue
				}
				return err
			}
		}
		return nil
	})
}

func (s *Service) PostEntry(ctx context.Context, req ledgerdomain.PostEntryRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.PostEntryTx(ctx, tx, req)
	})
}

func (s *Service) PostEntryTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostEntryRequest) error {
	if req.CircleID == 0 {
		return ledgerdomain.ErrMissingCircleScope
	}
	if err := validateLines(req.Lines); err != nil {
		return err
	}

	recorded, err := s.recordEntry(ctx, tx, req)
	if err != nil || !recorded {
		return err
	}

	for _, line := range req.Lines {
		account, err := s.findAccount(ctx, tx, req.CircleID, line.Account, true)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrUnknownAccount
		}
		if err := s.applyToBalance(ctx, tx, account.ID, line); err != nil {
			return err
		}
	}
	obsmetrics.Engine().IncLedgerEntry(string(req.SourceType))
	return nil
}

func (s *Service) Balance(ctx context.Context, circleID snowflake.ID, code ledgerdomain.LedgerAccountCode) (int64, error) {
	account, err := s.findAccount(ctx, s.db, circleID, code, false)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, ledgerdomain.ErrUnknownAccount
	}
	return account.Balance, nil
}

func (s *Service) DrawUpTo(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, code ledgerdomain.LedgerAccountCode, want int64, source ledgerdomain.LedgerSourceType, sourceID snowflake.ID) (int64, error) {
	if want <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	account, err := s.findAccount(ctx, tx, circleID, code, true)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, ledgerdomain.ErrUnknownAccount
	}

	draw := want
	if account.Balance < draw {
		draw = account.Balance
	}
	if draw <= 0 {
		return 0, nil
	}

	recorded, err := s.recordEntry(ctx, tx, ledgerdomain.PostEntryRequest{
		CircleID:   circleID,
		SourceType: source,
		SourceID:   sourceID,
		Lines: []ledgerdomain.PostingLine{
			{Account: code, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: draw},
			{Account: ledgerdomain.AccountCodeCirclePool, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: draw},
		},
	})
	if err != nil {
		return 0, err
	}
	if !recorded {
		// Replayed draw: the original posting already moved the funds.
		return 0, ledgerdomain.ErrDuplicatePosting
	}

	// Guarded decrement: the balance can never go below zero even if another
	// default raced past the locked read on a dialect without FOR UPDATE.
	result := tx.WithContext(ctx).Exec(
		`UPDATE ledger_accounts
		 SET balance = balance - ?, updated_at = ?
		 WHERE id = ? AND balance >= ?`,
		draw,
		time.Now().UTC(),
		account.ID,
		draw,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ledgerdomain.ErrInsufficientFunds
	}

	pool, err := s.findAccount(ctx, tx, circleID, ledgerdomain.AccountCodeCirclePool, true)
	if err != nil {
		return 0, err
	}
	if pool == nil {
		return 0, ledgerdomain.ErrUnknownAccount
	}
	if err := s.applyToBalance(ctx, tx, pool.ID, ledgerdomain.PostingLine{
		Account:   ledgerdomain.AccountCodeCirclePool,
		Direction: ledgerdomain.LedgerEntryDirectionCredit,
		Amount:    draw,
	}); err != nil {
		return 0, err
	}
	obsmetrics.Engine().IncLedgerEntry(string(source))
	return draw, nil
}

func (s *Service) Deposit(ctx context.Context, circleID snowflake.ID, code ledgerdomain.LedgerAccountCode, amount int64, source ledgerdomain.LedgerSourceType, sourceID snowflake.ID) error {
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	return s.PostEntry(ctx, ledgerdomain.PostEntryRequest{
		CircleID:   circleID,
		SourceType: source,
		SourceID:   sourceID,
		Lines: []ledgerdomain.PostingLine{
			{Account: code, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount},
			{Account: ledgerdomain.AccountCodeExternal, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount},
		},
	})
}

// recordEntry writes the entry header and lines without touching balances.
// Returns false when the source event was already recorded.
func (s *Service) recordEntry(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostEntryRequest) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
		Where("source_type = ? AND source_id = ?", req.SourceType, req.SourceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	entry := ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		CircleID:   req.CircleID,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		OccurredAt: occurredAt,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}

	for _, line := range req.Lines {
		account, err := s.findAccount(ctx, tx, req.CircleID, line.Account, false)
		if err != nil {
			return false, err
		}
		if account == nil {
			return false, ledgerdomain.ErrUnknownAccount
		}
		record := ledgerdomain.LedgerEntryLine{
			ID:            s.genID.Generate(),
			LedgerEntryID: entry.ID,
			AccountID:     account.ID,
			Direction:     line.Direction,
			Amount:        line.Amount,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) findAccount(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, code ledgerdomain.LedgerAccountCode, lock bool) (*ledgerdomain.LedgerAccount, error) {
	query := `SELECT * FROM ledger_accounts WHERE circle_id = ? AND code = ?`
	if lock && tx.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	var account ledgerdomain.LedgerAccount
	err := tx.WithContext(ctx).Raw(query, circleID, code).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (s *Service) applyToBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, line ledgerdomain.PostingLine) error {
	delta := line.Amount
	if line.Direction == ledgerdomain.LedgerEntryDirectionDebit {
		delta = -delta
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE ledger_accounts SET balance = balance + ?, updated_at = ? WHERE id = ?`,
		delta,
		time.Now().UTC(),
		accountID,
	).Error
}

func validateLines(lines []ledgerdomain.PostingLine) error {
	if len(lines) == 0 {
		return ledgerdomain.ErrUnbalancedEntry
	}
	var debits, credits int64
	for _, line := range lines {
		if line.Amount <= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
		switch line.Direction {
		case ledgerdomain.LedgerEntryDirectionDebit:
			debits += line.Amount
		case ledgerdomain.LedgerEntryDirectionCredit:
			credits += line.Amount
		default:
			return ledgerdomain.ErrUnbalancedEntry
		}
	}
	if debits != credits {
		return ledgerdomain.ErrUnbalancedEntry
	}
	return nil
}

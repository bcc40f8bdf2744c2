package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrUnbalancedEntry    = errors.New("unbalanced_entry")
	ErrUnknownAccount     = errors.New("unknown_account")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrDuplicatePosting   = errors.New("duplicate_posting")
	ErrMissingCircleScope = errors.New("missing_circle_scope")
)

// PostingLine is one side of a posting request.
type PostingLine struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}

// PostEntryRequest records a balanced financial event. SourceType+SourceID is
// the idempotency key: replaying the same event is a no-op.
type PostEntryRequest struct {
	CircleID   snowflake.ID
	SourceType LedgerSourceType
	SourceID   snowflake.ID
	OccurredAt time.Time
	Lines      []PostingLine
}

type Service interface {
	// EnsureAccounts creates the circle's chart of accounts if missing.
	EnsureAccounts(ctx context.Context, circleID snowflake.ID) error
	// PostEntry writes a balanced entry and applies line amounts to account
	// balances inside one transaction.
	PostEntry(ctx context.Context, req PostEntryRequest) error
	// PostEntryTx is PostEntry participating in the caller's transaction.
	PostEntryTx(ctx context.Context, tx *gorm.DB, req PostEntryRequest) error
	// Balance returns the current balance of one account.
	Balance(ctx context.Context, circleID snowflake.ID, code LedgerAccountCode) (int64, error)
	// DrawUpTo atomically debits up to want from the account, never below
	// zero, and returns the amount actually drawn. Must run inside tx.
	DrawUpTo(ctx context.Context, tx *gorm.DB, circleID snowflake.ID, code LedgerAccountCode, want int64, source LedgerSourceType, sourceID snowflake.ID) (int64, error)
	// Deposit credits an account, recording the source event.
	Deposit(ctx context.Context, circleID snowflake.ID, code LedgerAccountCode, amount int64, source LedgerSourceType, sourceID snowflake.ID) error
}

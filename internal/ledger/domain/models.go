package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	// Contribution flow
	SourceTypeContribution LedgerSourceType = "contribution" // member contribution collected
	SourceTypeLateFee      LedgerSourceType = "late_fee"     // flat late fee assessed

	// Fund movements
	SourceTypeReserveDeposit   LedgerSourceType = "reserve_deposit"   // circle reserve top-up
	SourceTypeInsuranceDeposit LedgerSourceType = "insurance_deposit" // platform insurance allocation

	// Default cascade
	SourceTypeReserveCoverage   LedgerSourceType = "reserve_coverage"   // reserve fund absorbing a default
	SourceTypeVoucherCoverage   LedgerSourceType = "voucher_coverage"   // voucher absorbing a bounded share
	SourceTypeInsuranceCoverage LedgerSourceType = "insurance_coverage" // insurance fund draw
	SourceTypeSharedLoss        LedgerSourceType = "shared_loss"        // pro-rata loss across members
	SourceTypeRecovery          LedgerSourceType = "recovery"           // defaulter repayment

	// Payout flow
	SourceTypePayoutReserve LedgerSourceType = "payout_reserve" // funds held for a cycle recipient
	SourceTypePayout        LedgerSourceType = "payout"         // completed transfer to recipient
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCirclePool         LedgerAccountCode = "circle_pool"
	AccountCodeRecoveryReceivable LedgerAccountCode = "recovery_receivable"

	// Contra account for money crossing the circle boundary (member payments
	// in, payouts out, recoveries in). Keeps every posting double-entry.
	AccountCodeExternal LedgerAccountCode = "external_clearing"

	// Funds
	AccountCodeReserveFund   LedgerAccountCode = "reserve_fund"
	AccountCodeInsuranceFund LedgerAccountCode = "insurance_fund"

	// Liabilities
	AccountCodePayoutPayable LedgerAccountCode = "payout_payable"

	// Income / loss
	AccountCodeLateFeeIncome LedgerAccountCode = "late_fee_income"
	AccountCodeSharedLoss    LedgerAccountCode = "shared_loss"
)

// LedgerAccount defines a chart-of-accounts entry scoped to one circle.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	CircleID  snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_accounts_circle_code,priority:1"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_circle_code,priority:2"`
	Name      string            `gorm:"type:text;not null"`
	Balance   int64             `gorm:"not null;default:0"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	CircleID   snowflake.ID     `gorm:"not null;index"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

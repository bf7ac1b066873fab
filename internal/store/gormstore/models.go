package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table. BalanceCents is the
// authoritative available balance, net of active holds.
type CreditAccount struct {
	OrgID              string     `gorm:"primaryKey"`
	BalanceCents       int64      `gorm:"not null"`
	DailyGasCapCents   int64      `gorm:"not null"`
	DailyGasSpendCents int64      `gorm:"not null"`
	SpendWindowStart   *time.Time `gorm:""`
	Currency           string     `gorm:"not null"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are
// append-only; nothing updates or deletes them.
type CreditTransaction struct {
	TransactionID  string    `gorm:"type:uuid;primaryKey"`
	OrgID          string    `gorm:"not null;index:idx_credit_transactions_org_created,priority:1"`
	Type           string    `gorm:"not null"`
	AmountCents    int64     `gorm:"not null"`
	Reason         *string   `gorm:""`
	RefID          *string   `gorm:"index"`
	Provider       *string   `gorm:"index:uniq_credit_transactions_provider_ref,unique,priority:1"`
	ProviderRef    *string   `gorm:"index:uniq_credit_transactions_provider_ref,unique,priority:2"`
	IdempotencyKey *string   `gorm:""`
	CreatedAt      time.Time `gorm:"not null;index:idx_credit_transactions_org_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditHold mirrors the credit_holds table.
type CreditHold struct {
	ApprovalID  string         `gorm:"primaryKey"`
	OrgID       string         `gorm:"not null;index:idx_credit_holds_org_status,priority:1"`
	AmountCents int64          `gorm:"not null"`
	Method      *string        `gorm:""`
	ParamsHash  *string        `gorm:""`
	FXSnapshot  datatypes.JSON `gorm:"not null"`
	ExpiresAt   *time.Time     `gorm:"index"`
	Status      string         `gorm:"not null;index:idx_credit_holds_org_status,priority:2"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (CreditHold) TableName() string { return "credit_holds" }

// IdempotencyKey mirrors the idempotency_keys table.
type IdempotencyKey struct {
	Key          string         `gorm:"primaryKey"`
	Method       string         `gorm:"not null"`
	OrgID        string         `gorm:"not null"`
	BodyHash     *string        `gorm:""`
	ResponseJSON datatypes.JSON `gorm:"not null"`
	StatusCode   int            `gorm:"not null"`
	ExpiresAt    time.Time      `gorm:"not null;index"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

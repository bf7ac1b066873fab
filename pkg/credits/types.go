package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a validated, strictly positive amount in cents.
type AmountCents int64

// OrgID identifies the organization that owns a credit account.
type OrgID struct {
	value string
}

// ApprovalID identifies a hold. Caller-supplied, unique per hold.
type ApprovalID struct {
	value string
}

// FXSnapshotJSON stores the exchange-rate snapshot taken at hold time.
type FXSnapshotJSON struct {
	value string
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionIssue      TransactionType = "issue"
	TransactionDebit      TransactionType = "debit"
	TransactionHold       TransactionType = "hold"
	TransactionRelease    TransactionType = "release"
	TransactionRefund     TransactionType = "refund"
	TransactionChargeback TransactionType = "chargeback"
)

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusCaptured HoldStatus = "captured"
	HoldStatusReleased HoldStatus = "released"
)

// Account is the per-organization balance row. BalanceCents is
// authoritative and already excludes active holds.
type Account struct {
	OrgID              string
	BalanceCents       int64
	DailyGasCapCents   int64
	DailyGasSpendCents int64
	SpendWindowStart   int64
	Currency           string
}

// Transaction is one immutable line in the ledger. AmountCents is signed:
// positive for issue/release/inflows, negative for debit/hold/outflows.
type Transaction struct {
	TransactionID  string
	OrgID          string
	Type           TransactionType
	AmountCents    int64
	Reason         string
	RefID          string
	Provider       string
	ProviderRef    string
	IdempotencyKey string
	CreatedUnixUTC int64
}

// Hold is a reservation of funds pending an uncertain final cost.
type Hold struct {
	ApprovalID       string
	OrgID            string
	AmountCents      int64
	Method           string
	ParamsHash       string
	FXSnapshot       string
	ExpiresAtUnixUTC int64
	Status           HoldStatus
}

// HoldResult pairs the created hold with the transaction that recorded it.
type HoldResult struct {
	HoldID      string
	Transaction Transaction
}

// HoldRequest carries the optional attributes of a new hold.
type HoldRequest struct {
	Method           string
	ParamsHash       string
	FXSnapshot       FXSnapshotJSON
	ExpiresAtUnixUTC int64
}

// IdempotencyRecord maps an idempotency key to a stored response.
type IdempotencyRecord struct {
	Key              string
	Method           string
	OrgID            string
	BodyHash         string
	ResponseJSON     string
	StatusCode       int
	ExpiresAtUnixUTC int64
}

// NewOrgID validates and normalizes an organization id.
func NewOrgID(raw string) (OrgID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrgID{}, fmt.Errorf("%w: empty value", ErrInvalidOrgID)
	}
	return OrgID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrgID) String() string {
	return id.value
}

// NewApprovalID validates and normalizes an approval id.
func NewApprovalID(raw string) (ApprovalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ApprovalID{}, fmt.Errorf("%w: empty value", ErrInvalidApprovalID)
	}
	return ApprovalID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ApprovalID) String() string {
	return id.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewFXSnapshotJSON validates the snapshot blob (defaulting to "{}" for empty inputs).
func NewFXSnapshotJSON(raw string) (FXSnapshotJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return FXSnapshotJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidFXSnapshot)
	}
	return FXSnapshotJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (snapshot FXSnapshotJSON) String() string {
	return snapshot.value
}

// ParseHoldStatus validates a stored hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(raw) {
	case HoldStatusActive, HoldStatusCaptured, HoldStatusReleased:
		return HoldStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionIssue, TransactionDebit, TransactionHold,
		TransactionRelease, TransactionRefund, TransactionChargeback:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (status HoldStatus) String() string {
	return string(status)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Store is the persistence contract used by Service. Implementations must
// honor the locking semantics: ForUpdate reads block concurrent writers on
// the same row until the enclosing WithTx unit finishes.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	EnsureAccount(ctx context.Context, orgID string, currency string) error
	GetAccount(ctx context.Context, orgID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, orgID string) (Account, error)
	AddToBalance(ctx context.Context, orgID string, deltaCents int64) error
	SetGasCap(ctx context.Context, orgID string, capCents int64) error
	UpdateGasWindow(ctx context.Context, orgID string, spendCents int64, windowStartUnixUTC int64) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByProviderRef(ctx context.Context, provider string, providerRef string) (Transaction, error)
	ListTransactions(ctx context.Context, orgID string, beforeUnixUTC int64, limit int) ([]Transaction, error)

	InsertHold(ctx context.Context, hold Hold) error
	GetHoldForUpdate(ctx context.Context, approvalID string) (Hold, error)
	UpdateHoldStatus(ctx context.Context, approvalID string, from HoldStatus, to HoldStatus) error
	SumActiveHolds(ctx context.Context, orgID string) (int64, error)
	ListExpiredActiveHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error)

	GetIdempotencyRecord(ctx context.Context, key string, nowUnixUTC int64) (IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error)
}

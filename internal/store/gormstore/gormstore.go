package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintHoldPrimary        = "credit_holds_pkey"
	constraintProviderRef        = "uniq_credit_transactions_provider_ref"
	constraintIdempotencyPrimary = "idempotency_keys_pkey"
	defaultJSON                  = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectHold             = "hold"
	errorSubjectIdempotency      = "idempotency"
	errorSubjectTransaction      = "transaction"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodePurge               = "purge"
	errorCodePut                 = "put"
	errorCodeSumActiveHolds      = "sum_active_holds"
	errorCodeUpdate              = "update"
	errorCodeUpdateStatus        = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the four ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditAccount{}, &CreditTransaction{}, &CreditHold{}, &IdempotencyKey{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, orgID string, currency string) error {
	account := CreditAccount{OrgID: orgID, Currency: currency}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "org_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, orgID string) (credits.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, orgID string) (credits.Account, error) {
	var model CreditAccount
	err := store.forUpdate(ctx).
		Where("org_id = ?", orgID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) AddToBalance(ctx context.Context, orgID string, deltaCents int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("org_id = ?", orgID).
		Update("balance_cents", gorm.Expr("balance_cents + ?", deltaCents))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetGasCap(ctx context.Context, orgID string, capCents int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("org_id = ?", orgID).
		Update("daily_gas_cap_cents", capCents)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) UpdateGasWindow(ctx context.Context, orgID string, spendCents int64, windowStartUnixUTC int64) error {
	var windowStart *time.Time
	if windowStartUnixUTC != 0 {
		value := time.Unix(windowStartUnixUTC, 0).UTC()
		windowStart = &value
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("org_id = ?", orgID).
		Updates(map[string]interface{}{
			"daily_gas_spend_cents": spendCents,
			"spend_window_start":    windowStart,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	model := CreditTransaction{
		TransactionID:  transaction.TransactionID,
		OrgID:          transaction.OrgID,
		Type:           transaction.Type.String(),
		AmountCents:    transaction.AmountCents,
		Reason:         optionalString(transaction.Reason),
		RefID:          optionalString(transaction.RefID),
		Provider:       optionalString(transaction.Provider),
		ProviderRef:    optionalString(transaction.ProviderRef),
		IdempotencyKey: optionalString(transaction.IdempotencyKey),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintProviderRef) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByProviderRef(ctx context.Context, provider string, providerRef string) (credits.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ?", provider, providerRef).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, orgID string, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("org_id = ? AND created_at < ?", orgID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) InsertHold(ctx context.Context, hold credits.Hold) error {
	var expiresAt *time.Time
	if hold.ExpiresAtUnixUTC != 0 {
		value := time.Unix(hold.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	model := CreditHold{
		ApprovalID:  hold.ApprovalID,
		OrgID:       hold.OrgID,
		AmountCents: hold.AmountCents,
		Method:      optionalString(hold.Method),
		ParamsHash:  optionalString(hold.ParamsHash),
		FXSnapshot:  datatypesJSON(hold.FXSnapshot),
		ExpiresAt:   expiresAt,
		Status:      hold.Status.String(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, credits.ErrHoldExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHoldForUpdate(ctx context.Context, approvalID string) (credits.Hold, error) {
	var model CreditHold
	err := store.forUpdate(ctx).
		Where("approval_id = ?", approvalID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
		}
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

func (store *Store) UpdateHoldStatus(ctx context.Context, approvalID string, from credits.HoldStatus, to credits.HoldStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Where("approval_id = ? AND status = ?", approvalID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, credits.ErrHoldInvalid)
	}
	return nil
}

func (store *Store) SumActiveHolds(ctx context.Context, orgID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("org_id = ? AND status = ?", orgID, credits.HoldStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeSumActiveHolds, err)
	}
	return sum.Total, nil
}

func (store *Store) ListExpiredActiveHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditHold
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", credits.HoldStatusActive.String(), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]credits.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key string, nowUnixUTC int64) (credits.IdempotencyRecord, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var model IdempotencyKey
	err := store.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, now).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, credits.ErrIdempotencyKeyNotFound)
		}
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return credits.IdempotencyRecord{
		Key:              model.Key,
		Method:           model.Method,
		OrgID:            model.OrgID,
		BodyHash:         valueOrEmpty(model.BodyHash),
		ResponseJSON:     string(model.ResponseJSON),
		StatusCode:       model.StatusCode,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

func (store *Store) PutIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	model := IdempotencyKey{
		Key:          record.Key,
		Method:       record.Method,
		OrgID:        record.OrgID,
		BodyHash:     optionalString(record.BodyHash),
		ResponseJSON: datatypesJSON(record.ResponseJSON),
		StatusCode:   record.StatusCode,
		ExpiresAt:    time.Unix(record.ExpiresAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodePut, err)
	}
	return nil
}

func (store *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&IdempotencyKey{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

// forUpdate requests a row lock on dialects that support one. sqlite has no
// FOR UPDATE; its single writer lock serializes transactions instead.
func (store *Store) forUpdate(ctx context.Context) *gorm.DB {
	db := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model CreditAccount) credits.Account {
	var windowStart int64
	if model.SpendWindowStart != nil {
		windowStart = model.SpendWindowStart.Unix()
	}
	return credits.Account{
		OrgID:              model.OrgID,
		BalanceCents:       model.BalanceCents,
		DailyGasCapCents:   model.DailyGasCapCents,
		DailyGasSpendCents: model.DailyGasSpendCents,
		SpendWindowStart:   windowStart,
		Currency:           model.Currency,
	}
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(model.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  model.TransactionID,
		OrgID:          model.OrgID,
		Type:           transactionType,
		AmountCents:    model.AmountCents,
		Reason:         valueOrEmpty(model.Reason),
		RefID:          valueOrEmpty(model.RefID),
		Provider:       valueOrEmpty(model.Provider),
		ProviderRef:    valueOrEmpty(model.ProviderRef),
		IdempotencyKey: valueOrEmpty(model.IdempotencyKey),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapHold(model CreditHold) (credits.Hold, error) {
	status, err := credits.ParseHoldStatus(model.Status)
	if err != nil {
		return credits.Hold{}, err
	}
	var expiresAt int64
	if model.ExpiresAt != nil {
		expiresAt = model.ExpiresAt.Unix()
	}
	return credits.Hold{
		ApprovalID:       model.ApprovalID,
		OrgID:            model.OrgID,
		AmountCents:      model.AmountCents,
		Method:           valueOrEmpty(model.Method),
		ParamsHash:       valueOrEmpty(model.ParamsHash),
		FXSnapshot:       string(model.FXSnapshot),
		ExpiresAtUnixUTC: expiresAt,
		Status:           status,
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

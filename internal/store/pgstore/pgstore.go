package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintHoldPrimary        = "credit_holds_pkey"
	constraintProviderRef        = "uniq_credit_transactions_provider_ref"
	constraintIdempotencyPrimary = "idempotency_keys_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectHold             = "hold"
	errorSubjectIdempotency      = "idempotency"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
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

	sqlEnsureAccount = `
		insert into credit_accounts(org_id, balance_cents, daily_gas_cap_cents, daily_gas_spend_cents, currency, created_at, updated_at)
		values($1, 0, 0, 0, $2, now(), now())
		on conflict (org_id) do nothing
	`

	sqlSelectAccount = `
		select org_id, balance_cents, daily_gas_cap_cents, daily_gas_spend_cents,
			coalesce(extract(epoch from spend_window_start)::bigint, 0), currency
		from credit_accounts
		where org_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlAddToBalance = `
		update credit_accounts
		set balance_cents = balance_cents + $2, updated_at = now()
		where org_id = $1
	`

	sqlSetGasCap = `
		update credit_accounts
		set daily_gas_cap_cents = $2, updated_at = now()
		where org_id = $1
	`

	sqlUpdateGasWindow = `
		update credit_accounts
		set daily_gas_spend_cents = $2, spend_window_start = to_timestamp(nullif($3, 0)), updated_at = now()
		where org_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, org_id, type, amount_cents, reason, ref_id, provider, provider_ref, idempotency_key, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''), nullif($6,''), nullif($7,''), nullif($8,''), nullif($9,''),
			to_timestamp($10)
		)
	`

	sqlSelectTransactionByProviderRef = `
		select transaction_id, org_id, type, amount_cents,
			coalesce(reason,''), coalesce(ref_id,''), coalesce(provider,''), coalesce(provider_ref,''),
			coalesce(idempotency_key,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where provider = $1 and provider_ref = $2
	`

	sqlListTransactionsBefore = `
		select transaction_id, org_id, type, amount_cents,
			coalesce(reason,''), coalesce(ref_id,''), coalesce(provider,''), coalesce(provider_ref,''),
			coalesce(idempotency_key,''), extract(epoch from created_at)::bigint
		from credit_transactions
		where org_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertHold = `
		insert into credit_holds(
			approval_id, org_id, amount_cents, method, params_hash, fx_snapshot, expires_at, status, created_at, updated_at
		)
		values(
			$1, $2, $3, nullif($4,''), nullif($5,''),
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp(nullif($7, 0)),
			$8, now(), now()
		)
	`

	sqlSelectHoldForUpdate = `
		select approval_id, org_id, amount_cents,
			coalesce(method,''), coalesce(params_hash,''), coalesce(fx_snapshot::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint, 0), status
		from credit_holds
		where approval_id = $1
		for update
	`

	sqlUpdateHoldStatus = `
		update credit_holds
		set status = $3, updated_at = now()
		where approval_id = $1 and status = $2
	`

	sqlSumActiveHolds = `
		select coalesce(sum(amount_cents),0) from credit_holds
		where org_id = $1 and status = 'active'
	`

	sqlListExpiredActiveHolds = `
		select approval_id, org_id, amount_cents,
			coalesce(method,''), coalesce(params_hash,''), coalesce(fx_snapshot::text,'{}'),
			coalesce(extract(epoch from expires_at)::bigint, 0), status
		from credit_holds
		where status = 'active' and expires_at is not null and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
	`

	sqlSelectIdempotencyRecord = `
		select key, method, org_id, coalesce(body_hash,''), response_json::text, status_code,
			extract(epoch from expires_at)::bigint
		from idempotency_keys
		where key = $1 and expires_at > to_timestamp($2)
	`

	sqlInsertIdempotencyRecord = `
		insert into idempotency_keys(key, method, org_id, body_hash, response_json, status_code, expires_at)
		values($1, $2, $3, nullif($4,''), $5::jsonb, $6, to_timestamp($7))
	`

	sqlPurgeIdempotencyRecords = `
		delete from idempotency_keys where expires_at <= to_timestamp($1)
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool. Outside WithTx
// statements run in autocommit mode; WithTx rebinds the same methods onto an
// open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, orgID string, currency string) error {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, orgID, currency); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, orgID string) (credits.Account, error) {
	return store.scanAccount(ctx, sqlSelectAccount, orgID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, orgID string) (credits.Account, error) {
	return store.scanAccount(ctx, sqlSelectAccountForUpdate, orgID)
}

func (store *Store) scanAccount(ctx context.Context, query string, orgID string) (credits.Account, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, query, orgID).Scan(
		&account.OrgID,
		&account.BalanceCents,
		&account.DailyGasCapCents,
		&account.DailyGasSpendCents,
		&account.SpendWindowStart,
		&account.Currency,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) AddToBalance(ctx context.Context, orgID string, deltaCents int64) error {
	tag, err := store.db.Exec(ctx, sqlAddToBalance, orgID, deltaCents)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetGasCap(ctx context.Context, orgID string, capCents int64) error {
	tag, err := store.db.Exec(ctx, sqlSetGasCap, orgID, capCents)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) UpdateGasWindow(ctx context.Context, orgID string, spendCents int64, windowStartUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateGasWindow, orgID, spendCents, windowStartUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.OrgID,
		transaction.Type.String(),
		transaction.AmountCents,
		transaction.Reason,
		transaction.RefID,
		transaction.Provider,
		transaction.ProviderRef,
		transaction.IdempotencyKey,
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintProviderRef) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByProviderRef(ctx context.Context, provider string, providerRef string) (credits.Transaction, error) {
	row := store.db.QueryRow(ctx, sqlSelectTransactionByProviderRef, provider, providerRef)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, credits.ErrTransactionNotFound)
		}
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, orgID string, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, orgID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) InsertHold(ctx context.Context, hold credits.Hold) error {
	_, err := store.db.Exec(ctx, sqlInsertHold,
		hold.ApprovalID,
		hold.OrgID,
		hold.AmountCents,
		hold.Method,
		hold.ParamsHash,
		hold.FXSnapshot,
		hold.ExpiresAtUnixUTC,
		hold.Status.String(),
	)
	if isUniqueViolation(err, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, credits.ErrHoldExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHoldForUpdate(ctx context.Context, approvalID string) (credits.Hold, error) {
	row := store.db.QueryRow(ctx, sqlSelectHoldForUpdate, approvalID)
	hold, err := scanHold(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
		}
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return hold, nil
}

func (store *Store) UpdateHoldStatus(ctx context.Context, approvalID string, from credits.HoldStatus, to credits.HoldStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateHoldStatus, approvalID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, credits.ErrHoldInvalid)
	}
	return nil
}

func (store *Store) SumActiveHolds(ctx context.Context, orgID string) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumActiveHolds, orgID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeSumActiveHolds, err)
	}
	return sum, nil
}

func (store *Store) ListExpiredActiveHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredActiveHolds, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holds := make([]credits.Hold, 0, 16)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key string, nowUnixUTC int64) (credits.IdempotencyRecord, error) {
	var record credits.IdempotencyRecord
	err := store.db.QueryRow(ctx, sqlSelectIdempotencyRecord, key, nowUnixUTC).Scan(
		&record.Key,
		&record.Method,
		&record.OrgID,
		&record.BodyHash,
		&record.ResponseJSON,
		&record.StatusCode,
		&record.ExpiresAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, credits.ErrIdempotencyKeyNotFound)
		}
		return credits.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) PutIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertIdempotencyRecord,
		record.Key,
		record.Method,
		record.OrgID,
		record.BodyHash,
		record.ResponseJSON,
		record.StatusCode,
		record.ExpiresAtUnixUTC,
	)
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodePut, err)
	}
	return nil
}

func (store *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlPurgeIdempotencyRecords, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, err)
	}
	return tag.RowsAffected(), nil
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var (
		transaction credits.Transaction
		rawType     string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.OrgID,
		&rawType,
		&transaction.AmountCents,
		&transaction.Reason,
		&transaction.RefID,
		&transaction.Provider,
		&transaction.ProviderRef,
		&transaction.IdempotencyKey,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(rawType)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Type = transactionType
	return transaction, nil
}

func scanHold(row pgx.Row) (credits.Hold, error) {
	var (
		hold      credits.Hold
		rawStatus string
	)
	err := row.Scan(
		&hold.ApprovalID,
		&hold.OrgID,
		&hold.AmountCents,
		&hold.Method,
		&hold.ParamsHash,
		&hold.FXSnapshot,
		&hold.ExpiresAtUnixUTC,
		&rawStatus,
	)
	if err != nil {
		return credits.Hold{}, err
	}
	status, err := credits.ParseHoldStatus(rawStatus)
	if err != nil {
		return credits.Hold{}, err
	}
	hold.Status = status
	return hold, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

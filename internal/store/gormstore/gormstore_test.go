package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
)

func mustOpenStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustEnsureAccount(test *testing.T, store *Store, orgID string) {
	test.Helper()
	if err := store.EnsureAccount(context.Background(), orgID, "USD"); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
}

func TestEnsureAccountIsIdempotent(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	mustEnsureAccount(test, store, "org-1")
	if err := store.AddToBalance(ctx, "org-1", 500); err != nil {
		test.Fatalf("add to balance: %v", err)
	}
	mustEnsureAccount(test, store, "org-1")

	account, err := store.GetAccount(ctx, "org-1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.BalanceCents != 500 {
		test.Fatalf("expected re-ensure to keep balance 500, got %d", account.BalanceCents)
	}
	if account.Currency != "USD" {
		test.Fatalf("unexpected currency %q", account.Currency)
	}
}

func TestGetAccountMissing(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	_, err := store.GetAccount(context.Background(), "org-missing")
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	_, err = store.GetAccountForUpdate(context.Background(), "org-missing")
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound from locked read, got %v", err)
	}
}

func TestAddToBalanceMissingAccount(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	err := store.AddToBalance(context.Background(), "org-missing", 100)
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestInsertHoldDuplicateApprovalID(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	hold := credits.Hold{
		ApprovalID:  "appr-1",
		OrgID:       "org-1",
		AmountCents: 400,
		Status:      credits.HoldStatusActive,
	}
	if err := store.InsertHold(ctx, hold); err != nil {
		test.Fatalf("insert hold: %v", err)
	}
	err := store.InsertHold(ctx, hold)
	if !errors.Is(err, credits.ErrHoldExists) {
		test.Fatalf("expected ErrHoldExists, got %v", err)
	}
}

func TestUpdateHoldStatusRequiresCurrentStatus(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	if err := store.InsertHold(ctx, credits.Hold{
		ApprovalID:  "appr-1",
		OrgID:       "org-1",
		AmountCents: 100,
		Status:      credits.HoldStatusActive,
	}); err != nil {
		test.Fatalf("insert hold: %v", err)
	}
	if err := store.UpdateHoldStatus(ctx, "appr-1", credits.HoldStatusActive, credits.HoldStatusReleased); err != nil {
		test.Fatalf("first transition: %v", err)
	}
	err := store.UpdateHoldStatus(ctx, "appr-1", credits.HoldStatusActive, credits.HoldStatusCaptured)
	if !errors.Is(err, credits.ErrHoldInvalid) {
		test.Fatalf("expected ErrHoldInvalid on stale transition, got %v", err)
	}

	hold, err := store.GetHoldForUpdate(ctx, "appr-1")
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if hold.Status != credits.HoldStatusReleased {
		test.Fatalf("expected released, got %s", hold.Status)
	}
}

func TestSumActiveHoldsCountsOnlyActive(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	holds := []credits.Hold{
		{ApprovalID: "a-1", OrgID: "org-1", AmountCents: 100, Status: credits.HoldStatusActive},
		{ApprovalID: "a-2", OrgID: "org-1", AmountCents: 250, Status: credits.HoldStatusActive},
		{ApprovalID: "a-3", OrgID: "org-1", AmountCents: 999, Status: credits.HoldStatusReleased},
		{ApprovalID: "a-4", OrgID: "org-2", AmountCents: 500, Status: credits.HoldStatusActive},
	}
	for _, hold := range holds {
		if err := store.InsertHold(ctx, hold); err != nil {
			test.Fatalf("insert hold %s: %v", hold.ApprovalID, err)
		}
	}
	sum, err := store.SumActiveHolds(ctx, "org-1")
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 350 {
		test.Fatalf("expected 350, got %d", sum)
	}
}

func TestListExpiredActiveHolds(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	holds := []credits.Hold{
		{ApprovalID: "lapsed", OrgID: "org-1", AmountCents: 100, ExpiresAtUnixUTC: 1_000, Status: credits.HoldStatusActive},
		{ApprovalID: "future", OrgID: "org-1", AmountCents: 100, ExpiresAtUnixUTC: 9_000, Status: credits.HoldStatusActive},
		{ApprovalID: "open", OrgID: "org-1", AmountCents: 100, Status: credits.HoldStatusActive},
	}
	for _, hold := range holds {
		if err := store.InsertHold(ctx, hold); err != nil {
			test.Fatalf("insert hold %s: %v", hold.ApprovalID, err)
		}
	}
	expired, err := store.ListExpiredActiveHolds(ctx, 2_000, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ApprovalID != "lapsed" {
		test.Fatalf("expected only the lapsed hold, got %+v", expired)
	}
}

func TestFindTransactionByProviderRef(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	transaction := credits.Transaction{
		TransactionID:  "3f6c2f4e-8b3a-4f8e-9a44-2f6f26c9d101",
		OrgID:          "org-1",
		Type:           credits.TransactionIssue,
		AmountCents:    500,
		Provider:       "stripe",
		ProviderRef:    "evt_1",
		CreatedUnixUTC: 1_000,
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("insert transaction: %v", err)
	}
	found, err := store.FindTransactionByProviderRef(ctx, "stripe", "evt_1")
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if found.TransactionID != transaction.TransactionID || found.AmountCents != 500 {
		test.Fatalf("unexpected transaction %+v", found)
	}
	_, err = store.FindTransactionByProviderRef(ctx, "stripe", "evt_unknown")
	if !errors.Is(err, credits.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestProviderRefUniqueAcrossTransactions(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	first := credits.Transaction{
		TransactionID:  "5cfc3b34-11f8-4a30-9d44-d3f89c3e2a01",
		OrgID:          "org-1",
		Type:           credits.TransactionIssue,
		AmountCents:    100,
		Provider:       "stripe",
		ProviderRef:    "evt_dup",
		CreatedUnixUTC: 1_000,
	}
	if err := store.InsertTransaction(ctx, first); err != nil {
		test.Fatalf("insert: %v", err)
	}
	second := first
	second.TransactionID = "6dfc3b34-11f8-4a30-9d44-d3f89c3e2a02"
	if err := store.InsertTransaction(ctx, second); err == nil {
		test.Fatalf("expected unique violation on provider ref")
	}
}

func TestListTransactionsPaginates(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
	}
	for index, id := range ids {
		if err := store.InsertTransaction(ctx, credits.Transaction{
			TransactionID:  id,
			OrgID:          "org-1",
			Type:           credits.TransactionDebit,
			AmountCents:    -int64(index+1) * 10,
			CreatedUnixUTC: int64(1_000 * (index + 1)),
		}); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	transactions, err := store.ListTransactions(ctx, "org-1", 0, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected limit applied, got %d rows", len(transactions))
	}
	if transactions[0].TransactionID != ids[2] || transactions[1].TransactionID != ids[1] {
		test.Fatalf("expected newest first, got %+v", transactions)
	}
	older, err := store.ListTransactions(ctx, "org-1", 2_000, 10)
	if err != nil {
		test.Fatalf("list before cutoff: %v", err)
	}
	if len(older) != 1 || older[0].TransactionID != ids[0] {
		test.Fatalf("expected only the oldest row, got %+v", older)
	}
}

func TestIdempotencyRecordRoundTripAndPurge(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	record := credits.IdempotencyRecord{
		Key:              "key-1",
		Method:           "topup",
		OrgID:            "org-1",
		ResponseJSON:     `{"transaction_id":"t-1"}`,
		StatusCode:       200,
		ExpiresAtUnixUTC: 5_000,
	}
	if err := store.PutIdempotencyRecord(ctx, record); err != nil {
		test.Fatalf("put: %v", err)
	}
	loaded, err := store.GetIdempotencyRecord(ctx, "key-1", 1_000)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if loaded.ResponseJSON != record.ResponseJSON || loaded.Method != "topup" {
		test.Fatalf("unexpected record %+v", loaded)
	}

	_, err = store.GetIdempotencyRecord(ctx, "key-1", 6_000)
	if !errors.Is(err, credits.ErrIdempotencyKeyNotFound) {
		test.Fatalf("expected expired key to be invisible, got %v", err)
	}

	purged, err := store.PurgeExpiredIdempotencyRecords(ctx, 6_000)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected one purged row, got %d", purged)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()
	mustEnsureAccount(test, store, "org-1")

	failure := errors.New("abort")
	err := store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		if err := txStore.AddToBalance(ctx, "org-1", 700); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected the callback error, got %v", err)
	}
	account, err := store.GetAccount(ctx, "org-1")
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.BalanceCents != 0 {
		test.Fatalf("expected rollback to keep balance 0, got %d", account.BalanceCents)
	}
}

// Runs the full accounting flow through the SQL store rather than a stub.
func TestServiceOverSQLStore(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	ctx := context.Background()

	now := int64(1_700_000_000)
	service, err := credits.NewService(store, func() int64 { return now })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	orgID, err := credits.NewOrgID("org-sql")
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	amount := func(value int64) credits.AmountCents {
		parsed, amountErr := credits.NewAmountCents(value)
		if amountErr != nil {
			test.Fatalf("amount %d: %v", value, amountErr)
		}
		return parsed
	}
	approval := func(value string) credits.ApprovalID {
		parsed, approvalErr := credits.NewApprovalID(value)
		if approvalErr != nil {
			test.Fatalf("approval %s: %v", value, approvalErr)
		}
		return parsed
	}

	if _, err := service.TopUp(ctx, orgID, amount(1_000), "stripe", "evt_sql", ""); err != nil {
		test.Fatalf("topup: %v", err)
	}
	if _, err := service.Hold(ctx, orgID, approval("appr-sql"), amount(400), credits.HoldRequest{}); err != nil {
		test.Fatalf("hold: %v", err)
	}
	balance, err := service.Balance(ctx, orgID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance == nil || balance.BalanceCents != 600 {
		test.Fatalf("expected balance 600 after hold, got %+v", balance)
	}
	if _, err := service.Release(ctx, orgID, approval("appr-sql"), true, 380); err != nil {
		test.Fatalf("capture: %v", err)
	}
	if _, err := service.Debit(ctx, orgID, amount(600), "drain", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if _, err := service.Debit(ctx, orgID, amount(1), "overdraft", ""); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected overdraft rejection, got %v", err)
	}

	transactions, err := service.ListTransactions(ctx, orgID, 0, 10)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 4 {
		test.Fatalf("expected 4 ledger rows, got %d", len(transactions))
	}
}

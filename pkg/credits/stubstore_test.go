package credits

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store. WithTx snapshots state and restores it on
// error so rollback semantics match a real transactional store.
type stubStore struct {
	accounts     map[string]Account
	transactions []Transaction
	holds        map[string]Hold
	idempotency  map[string]IdempotencyRecord

	getAccountError        error
	insertTransactionError error
	insertHoldError        error
	sumActiveHoldsError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    map[string]Account{},
		holds:       map[string]Hold{},
		idempotency: map[string]IdempotencyRecord{},
	}
}

type stubSnapshot struct {
	accounts     map[string]Account
	transactions []Transaction
	holds        map[string]Hold
	idempotency  map[string]IdempotencyRecord
}

func (store *stubStore) snapshot() stubSnapshot {
	accounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	holds := make(map[string]Hold, len(store.holds))
	for key, value := range store.holds {
		holds[key] = value
	}
	idempotency := make(map[string]IdempotencyRecord, len(store.idempotency))
	for key, value := range store.idempotency {
		idempotency[key] = value
	}
	transactions := make([]Transaction, len(store.transactions))
	copy(transactions, store.transactions)
	return stubSnapshot{accounts: accounts, transactions: transactions, holds: holds, idempotency: idempotency}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.accounts = snapshot.accounts
	store.transactions = snapshot.transactions
	store.holds = snapshot.holds
	store.idempotency = snapshot.idempotency
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) EnsureAccount(_ context.Context, orgID string, currency string) error {
	if _, exists := store.accounts[orgID]; exists {
		return nil
	}
	store.accounts[orgID] = Account{OrgID: orgID, Currency: currency}
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, orgID string) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, exists := store.accounts[orgID]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, orgID string) (Account, error) {
	return store.GetAccount(ctx, orgID)
}

func (store *stubStore) AddToBalance(_ context.Context, orgID string, deltaCents int64) error {
	account, exists := store.accounts[orgID]
	if !exists {
		return ErrAccountNotFound
	}
	account.BalanceCents += deltaCents
	store.accounts[orgID] = account
	return nil
}

func (store *stubStore) SetGasCap(_ context.Context, orgID string, capCents int64) error {
	account, exists := store.accounts[orgID]
	if !exists {
		return ErrAccountNotFound
	}
	account.DailyGasCapCents = capCents
	store.accounts[orgID] = account
	return nil
}

func (store *stubStore) UpdateGasWindow(_ context.Context, orgID string, spendCents int64, windowStartUnixUTC int64) error {
	account, exists := store.accounts[orgID]
	if !exists {
		return ErrAccountNotFound
	}
	account.DailyGasSpendCents = spendCents
	account.SpendWindowStart = windowStartUnixUTC
	store.accounts[orgID] = account
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if store.insertTransactionError != nil {
		return store.insertTransactionError
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) FindTransactionByProviderRef(_ context.Context, provider string, providerRef string) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.Provider == provider && transaction.ProviderRef == providerRef {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(_ context.Context, orgID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.OrgID != orgID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) InsertHold(_ context.Context, hold Hold) error {
	if store.insertHoldError != nil {
		return store.insertHoldError
	}
	if _, exists := store.holds[hold.ApprovalID]; exists {
		return ErrHoldExists
	}
	store.holds[hold.ApprovalID] = hold
	return nil
}

func (store *stubStore) GetHoldForUpdate(_ context.Context, approvalID string) (Hold, error) {
	hold, exists := store.holds[approvalID]
	if !exists {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) UpdateHoldStatus(_ context.Context, approvalID string, from HoldStatus, to HoldStatus) error {
	hold, exists := store.holds[approvalID]
	if !exists || hold.Status != from {
		return ErrHoldInvalid
	}
	hold.Status = to
	store.holds[approvalID] = hold
	return nil
}

func (store *stubStore) SumActiveHolds(_ context.Context, orgID string) (int64, error) {
	if store.sumActiveHoldsError != nil {
		return 0, store.sumActiveHoldsError
	}
	var sum int64
	for _, hold := range store.holds {
		if hold.OrgID == orgID && hold.Status == HoldStatusActive {
			sum += hold.AmountCents
		}
	}
	return sum, nil
}

func (store *stubStore) ListExpiredActiveHolds(_ context.Context, nowUnixUTC int64, limit int) ([]Hold, error) {
	expired := make([]Hold, 0, len(store.holds))
	for _, hold := range store.holds {
		if hold.Status == HoldStatusActive && hold.ExpiresAtUnixUTC != 0 && hold.ExpiresAtUnixUTC <= nowUnixUTC {
			expired = append(expired, hold)
		}
	}
	sort.SliceStable(expired, func(left, right int) bool {
		return expired[left].ExpiresAtUnixUTC < expired[right].ExpiresAtUnixUTC
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) GetIdempotencyRecord(_ context.Context, key string, nowUnixUTC int64) (IdempotencyRecord, error) {
	record, exists := store.idempotency[key]
	if !exists || record.ExpiresAtUnixUTC <= nowUnixUTC {
		return IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (store *stubStore) PutIdempotencyRecord(_ context.Context, record IdempotencyRecord) error {
	store.idempotency[record.Key] = record
	return nil
}

func (store *stubStore) PurgeExpiredIdempotencyRecords(_ context.Context, nowUnixUTC int64) (int64, error) {
	var purged int64
	for key, record := range store.idempotency {
		if record.ExpiresAtUnixUTC <= nowUnixUTC {
			delete(store.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

func (store *stubStore) mustAccount(test *testing.T, orgID OrgID) Account {
	test.Helper()
	account, exists := store.accounts[orgID.String()]
	if !exists {
		test.Fatalf("expected account for %s", orgID.String())
	}
	return account
}

func (store *stubStore) mustHold(test *testing.T, approvalID ApprovalID) Hold {
	test.Helper()
	hold, exists := store.holds[approvalID.String()]
	if !exists {
		test.Fatalf("expected hold for %s", approvalID.String())
	}
	return hold
}

type testClock struct {
	now int64
}

func (clock *testClock) Now() int64 {
	return clock.now
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOrgID(test *testing.T, raw string) OrgID {
	test.Helper()
	orgID, err := NewOrgID(raw)
	if err != nil {
		test.Fatalf("org id %q: %v", raw, err)
	}
	return orgID
}

func mustApprovalID(test *testing.T, raw string) ApprovalID {
	test.Helper()
	approvalID, err := NewApprovalID(raw)
	if err != nil {
		test.Fatalf("approval id %q: %v", raw, err)
	}
	return approvalID
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustSnapshot(test *testing.T, raw string) FXSnapshotJSON {
	test.Helper()
	snapshot, err := NewFXSnapshotJSON(raw)
	if err != nil {
		test.Fatalf("fx snapshot %q: %v", raw, err)
	}
	return snapshot
}

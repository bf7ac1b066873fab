package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the accounting logic over a Store. Every balance-affecting
// operation runs inside one store transaction with the account row locked for
// its duration, so operations against the same org serialize.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// TopUp credits an org's balance, creating the account on first use.
// Duplicate payment-provider webhooks dedup on provider+providerRef first,
// then on the idempotency key; either match returns the stored transaction
// without new side effects.
func (service *Service) TopUp(ctx context.Context, orgID OrgID, amount AmountCents, provider string, providerRef string, idempotencyKey string) (Transaction, error) {
	var result Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureAccount(ctx, orgID.String(), defaultCurrency); err != nil {
			return err
		}
		if _, err := transactionStore.GetAccountForUpdate(ctx, orgID.String()); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if provider != "" && providerRef != "" {
			existing, err := transactionStore.FindTransactionByProviderRef(ctx, provider, providerRef)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, ErrTransactionNotFound) {
				return err
			}
		}
		if idempotencyKey != "" {
			replayed, found, err := replayTransaction(ctx, transactionStore, idempotencyKey, nowUnixUTC)
			if err != nil {
				return err
			}
			if found {
				result = replayed
				return nil
			}
		}
		if err := transactionStore.AddToBalance(ctx, orgID.String(), amount.Int64()); err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:  uuid.NewString(),
			OrgID:          orgID.String(),
			Type:           TransactionIssue,
			AmountCents:    amount.Int64(),
			Provider:       provider,
			ProviderRef:    providerRef,
			IdempotencyKey: idempotencyKey,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := storeTransactionResponse(ctx, transactionStore, idempotencyKey, operationTopUp, orgID.String(), transaction, nowUnixUTC); err != nil {
				return err
			}
		}
		result = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationTopUp,
		OrgID:          orgID,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

// Debit spends from an org's available balance immediately (no hold).
func (service *Service) Debit(ctx context.Context, orgID OrgID, amount AmountCents, reason string, idempotencyKey string) (Transaction, error) {
	var result Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if idempotencyKey != "" {
			replayed, found, err := replayTransaction(ctx, transactionStore, idempotencyKey, nowUnixUTC)
			if err != nil {
				return err
			}
			if found {
				result = replayed
				return nil
			}
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, orgID.String())
		if err != nil {
			return err
		}
		if account.BalanceCents < amount.Int64() {
			return ErrInsufficientCredits
		}
		if err := transactionStore.AddToBalance(ctx, orgID.String(), -amount.Int64()); err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:  uuid.NewString(),
			OrgID:          orgID.String(),
			Type:           TransactionDebit,
			AmountCents:    -amount.Int64(),
			Reason:         reason,
			IdempotencyKey: idempotencyKey,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := storeTransactionResponse(ctx, transactionStore, idempotencyKey, operationDebit, orgID.String(), transaction, nowUnixUTC); err != nil {
				return err
			}
		}
		result = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		OrgID:          orgID,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

// Balance is a pure read. Returns nil when no account exists.
func (service *Service) Balance(ctx context.Context, orgID OrgID) (*Account, error) {
	account, err := service.store.GetAccount(ctx, orgID.String())
	if errors.Is(err, ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Hold reserves funds pending an uncertain final cost. The reserved amount is
// deducted from the balance immediately, so concurrent holds see the reduced
// balance; the sum of active holds combined with the new hold must not exceed
// the pre-hold balance.
func (service *Service) Hold(ctx context.Context, orgID OrgID, approvalID ApprovalID, amount AmountCents, request HoldRequest) (HoldResult, error) {
	var result HoldResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, orgID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if account.DailyGasCapCents > 0 {
			spendCents, windowStart, reset := currentGasWindow(account, nowUnixUTC)
			if reset {
				if err := transactionStore.UpdateGasWindow(ctx, orgID.String(), spendCents, windowStart); err != nil {
					return err
				}
			}
			if spendCents+amount.Int64() > account.DailyGasCapCents {
				return ErrGasCapExceeded
			}
		}
		activeHolds, err := transactionStore.SumActiveHolds(ctx, orgID.String())
		if err != nil {
			return err
		}
		if account.BalanceCents-activeHolds < amount.Int64() {
			return ErrInsufficientCredits
		}
		hold := Hold{
			ApprovalID:       approvalID.String(),
			OrgID:            orgID.String(),
			AmountCents:      amount.Int64(),
			Method:           request.Method,
			ParamsHash:       request.ParamsHash,
			FXSnapshot:       request.FXSnapshot.String(),
			ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
			Status:           HoldStatusActive,
		}
		if err := transactionStore.InsertHold(ctx, hold); err != nil {
			return err
		}
		if err := transactionStore.AddToBalance(ctx, orgID.String(), -amount.Int64()); err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:  uuid.NewString(),
			OrgID:          orgID.String(),
			Type:           TransactionHold,
			AmountCents:    -amount.Int64(),
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = HoldResult{HoldID: approvalID.String(), Transaction: transaction}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationHold,
		OrgID:      orgID,
		ApprovalID: approvalID.String(),
		Amount:     amount.Int64(),
		Error:      operationError,
	})
	return result, operationError
}

// Release terminates a hold exactly once. With capture=false the reserved
// amount is credited back in full and a release transaction recorded. With
// capture=true the hold is marked captured and a debit transaction recorded
// for actualDebitCents (the reserved estimate when zero); the balance was
// already reduced at hold time and is NOT trued up when the actual cost
// differs from the estimate — that drift is reconciled out-of-band.
// Returns nil when no hold exists for the approval id.
func (service *Service) Release(ctx context.Context, orgID OrgID, approvalID ApprovalID, capture bool, actualDebitCents int64) (*Transaction, error) {
	operation := operationRelease
	if capture {
		operation = operationCapture
	}
	var result *Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHoldForUpdate(ctx, approvalID.String())
		if errors.Is(err, ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if hold.OrgID != orgID.String() {
			return nil
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldInvalid
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, orgID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if capture {
			if err := transactionStore.UpdateHoldStatus(ctx, approvalID.String(), HoldStatusActive, HoldStatusCaptured); err != nil {
				return err
			}
			settledCents := actualDebitCents
			if settledCents <= 0 {
				settledCents = hold.AmountCents
			}
			if account.DailyGasCapCents > 0 {
				spendCents, windowStart, _ := currentGasWindow(account, nowUnixUTC)
				if err := transactionStore.UpdateGasWindow(ctx, orgID.String(), spendCents+settledCents, windowStart); err != nil {
					return err
				}
			}
			transaction := Transaction{
				TransactionID:  uuid.NewString(),
				OrgID:          orgID.String(),
				Type:           TransactionDebit,
				AmountCents:    -settledCents,
				Reason:         reasonHoldCapture,
				RefID:          approvalID.String(),
				CreatedUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			result = &transaction
			return nil
		}
		if err := transactionStore.UpdateHoldStatus(ctx, approvalID.String(), HoldStatusActive, HoldStatusReleased); err != nil {
			return err
		}
		if err := transactionStore.AddToBalance(ctx, orgID.String(), hold.AmountCents); err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:  uuid.NewString(),
			OrgID:          orgID.String(),
			Type:           TransactionRelease,
			AmountCents:    hold.AmountCents,
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = &transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operation,
		OrgID:      orgID,
		ApprovalID: approvalID.String(),
		Amount:     actualDebitCents,
		Error:      operationError,
	})
	return result, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// currentGasWindow resolves the rolling spend window, resetting lapsed ones.
func currentGasWindow(account Account, nowUnixUTC int64) (spendCents int64, windowStartUnixUTC int64, reset bool) {
	windowSeconds := int64(gasSpendWindow / time.Second)
	if account.SpendWindowStart == 0 || nowUnixUTC-account.SpendWindowStart >= windowSeconds {
		return 0, nowUnixUTC, true
	}
	return account.DailyGasSpendCents, account.SpendWindowStart, false
}

func replayTransaction(ctx context.Context, transactionStore Store, idempotencyKey string, nowUnixUTC int64) (Transaction, bool, error) {
	record, err := transactionStore.GetIdempotencyRecord(ctx, idempotencyKey, nowUnixUTC)
	if errors.Is(err, ErrIdempotencyKeyNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	var transaction Transaction
	if unmarshalErr := json.Unmarshal([]byte(record.ResponseJSON), &transaction); unmarshalErr != nil {
		return Transaction{}, false, WrapError("service", "idempotency", "decode", unmarshalErr)
	}
	return transaction, true, nil
}

func storeTransactionResponse(ctx context.Context, transactionStore Store, idempotencyKey string, method string, orgID string, transaction Transaction, nowUnixUTC int64) error {
	payload, err := json.Marshal(transaction)
	if err != nil {
		return WrapError("service", "idempotency", "encode", err)
	}
	return transactionStore.PutIdempotencyRecord(ctx, IdempotencyRecord{
		Key:              idempotencyKey,
		Method:           method,
		OrgID:            orgID,
		ResponseJSON:     string(payload),
		StatusCode:       200,
		ExpiresAtUnixUTC: nowUnixUTC + int64(idempotencyRecordTTL/time.Second),
	})
}

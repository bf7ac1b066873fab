package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Reverse claws back previously issued credits (payment refund or
// chargeback). Deduplicates on provider+providerRef the same way TopUp does,
// so webhook redelivery is safe. The balance invariant still applies: a
// reversal larger than the current balance is rejected rather than driving
// the balance negative.
func (service *Service) Reverse(ctx context.Context, orgID OrgID, amount AmountCents, kind TransactionType, provider string, providerRef string, reason string) (Transaction, error) {
	if kind != TransactionRefund && kind != TransactionChargeback {
		return Transaction{}, fmt.Errorf("%w: %q is not a reversal", ErrInvalidTransactionType, kind)
	}
	var result Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
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
			Type:           kind,
			AmountCents:    -amount.Int64(),
			Reason:         reason,
			Provider:       provider,
			ProviderRef:    providerRef,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReverse,
		OrgID:     orgID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return result, operationError
}

// EnsureAccount provisions an account with zero balance. No-op when one
// already exists.
func (service *Service) EnsureAccount(ctx context.Context, orgID OrgID, currency string) error {
	if currency == "" {
		currency = defaultCurrency
	}
	return service.store.EnsureAccount(ctx, orgID.String(), currency)
}

// SetGasCap provisions or adjusts the org's daily gas cap. Zero disables it.
func (service *Service) SetGasCap(ctx context.Context, orgID OrgID, capCents int64) error {
	if capCents < 0 {
		return fmt.Errorf("%w: cap must not be negative", ErrInvalidAmountCents)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureAccount(ctx, orgID.String(), defaultCurrency); err != nil {
			return err
		}
		return transactionStore.SetGasCap(ctx, orgID.String(), capCents)
	})
}

// ListTransactions lists ledger transactions for an org before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, orgID OrgID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, orgID.String(), beforeUnixUTC, limit)
}

// ReleaseExpired releases every active hold whose expiry has lapsed,
// crediting the reserved amounts back. Returns the number of holds released.
func (service *Service) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	released := 0
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		expired, err := transactionStore.ListExpiredActiveHolds(ctx, nowUnixUTC, limit)
		if err != nil {
			return err
		}
		for _, hold := range expired {
			if _, err := transactionStore.GetAccountForUpdate(ctx, hold.OrgID); err != nil {
				return err
			}
			if err := transactionStore.UpdateHoldStatus(ctx, hold.ApprovalID, HoldStatusActive, HoldStatusReleased); err != nil {
				return err
			}
			if err := transactionStore.AddToBalance(ctx, hold.OrgID, hold.AmountCents); err != nil {
				return err
			}
			transaction := Transaction{
				TransactionID:  uuid.NewString(),
				OrgID:          hold.OrgID,
				Type:           TransactionRelease,
				AmountCents:    hold.AmountCents,
				Reason:         reasonHoldExpired,
				RefID:          hold.ApprovalID,
				CreatedUnixUTC: nowUnixUTC,
			}
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, operationError
}

// PurgeExpiredIdempotencyRecords drops idempotency records past their TTL.
func (service *Service) PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	return service.store.PurgeExpiredIdempotencyRecords(ctx, service.nowFn())
}

package credits

import "time"

const (
	operationTopUp   = "topup"
	operationDebit   = "debit"
	operationHold    = "hold"
	operationRelease = "release"
	operationCapture = "capture"
	operationReverse = "reverse"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultCurrency = "USD"

	idempotencyRecordTTL = 24 * time.Hour
	gasSpendWindow       = 24 * time.Hour

	reasonHoldCapture = "hold capture"
	reasonHoldExpired = "hold expired"
)

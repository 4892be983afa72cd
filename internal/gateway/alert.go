package gateway

import (
	"context"

	"go.uber.org/zap"
)

// Alerter receives operational anomalies that must not change the response
// already decided for the caller.
type Alerter interface {
	DebitFailed(ctx context.Context, accountID string, amountMicros int64, err error)
}

// LogAlerter reports anomalies as error-level log lines tagged for alerting.
type LogAlerter struct {
	Logger *zap.Logger
}

func (a LogAlerter) DebitFailed(ctx context.Context, accountID string, amountMicros int64, err error) {
	a.Logger.Error("Credit debit failed after upstream success",
		zap.Bool("alert", true),
		zap.String("account_id", accountID),
		zap.Int64("amount_micros", amountMicros),
		zap.Error(err),
	)
}

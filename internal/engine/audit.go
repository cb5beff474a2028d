package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/db"
	"github.com/m1ssion/smartpush/internal/metrics"
)

const auditTimeout = 30 * time.Second

// writeAudit appends the run's send log rows, retrying transient failures.
// The rows drive the next run's caps, so they are written even when the
// run's own context has been cancelled.
func (e *Engine) writeAudit(ctx context.Context, logger *zap.Logger, logs []*db.SendLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	b := retry.WithMaxRetries(3, retry.NewExponential(e.auditBackoff))

	var written int64
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		n, err := e.store.InsertSendLogs(ctx, logs)
		if err == nil {
			written = n
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logger.Warn("send log insert failed, retrying", zap.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordSendLogRows(written)
	return written, nil
}

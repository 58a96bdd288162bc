package critical

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunPruner deletes pending commands older than RetentionPeriod every
// interval until ctx is cancelled.
func RunPruner(ctx context.Context, ledger Ledger, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.DeleteOlderThan(ctx, time.Now().Add(-RetentionPeriod))
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("Failed to prune critical commands")
				}
				continue
			}
			if n > 0 {
				log.WithField("count", n).Info("Pruned expired critical commands")
			}
		}
	}
}

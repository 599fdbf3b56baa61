package remotegpu

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PeriodicRefresher drives Aggregator.Refresh on a cron schedule in addition
// to any on-demand calls, mirroring the teacher's cron-driven recommender
// loop.
type PeriodicRefresher struct {
	cron *cron.Cron
}

// StartPeriodicRefresh schedules expr (standard five-field cron syntax,
// e.g. "*/5 * * * *" for every 5 minutes) to call agg.Refresh. Call Stop on
// the returned refresher during shutdown.
func StartPeriodicRefresh(ctx context.Context, log *zap.Logger, agg *Aggregator, expr string) (*PeriodicRefresher, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if err := agg.Refresh(ctx); err != nil {
			log.Warn("periodic remote gpu inventory refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return &PeriodicRefresher{cron: c}, nil
}

// Stop halts the cron schedule, waiting for any in-flight refresh to finish.
func (r *PeriodicRefresher) Stop() {
	<-r.cron.Stop().Done()
}

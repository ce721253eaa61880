package engine

import (
	"github.com/robfig/cron/v3"
)

// checkpointScheduler drives the periodic WAL checkpoint independently
// of the statistics staleness sweep (internal/stats.Scheduler handles
// that one).
type checkpointScheduler struct {
	cron *cron.Cron
}

func newCheckpointScheduler() *checkpointScheduler {
	return &checkpointScheduler{cron: cron.New()}
}

// start schedules checkpoint on the given cron spec (e.g. "@every 30s").
func (c *checkpointScheduler) start(spec string, checkpoint func() error) error {
	_, err := c.cron.AddFunc(spec, func() {
		_ = checkpoint()
	})
	if err != nil {
		return Wrap(KindInvalidArgument, "scheduling checkpoint", err)
	}
	c.cron.Start()
	return nil
}

func (c *checkpointScheduler) stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

package stats

import (
	"sync"

	"github.com/robfig/cron/v3"
)

// RefreshFunc re-collects and publishes a fresh snapshot for one table.
type RefreshFunc func(table string) error

// StaleChecker reports whether a table's published snapshot is stale
// enough to need a background refresh.
type StaleChecker func(table string) (stale bool, currentSnapshot *Snapshot, rowCount int64)

// Scheduler drives periodic staleness sweeps with robfig/cron/v3.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	refresh RefreshFunc
	tables  map[string]bool
}

// NewScheduler returns a Scheduler that will call refresh for any table
// registered via Watch whenever its snapshot is found stale.
func NewScheduler(refresh RefreshFunc) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		refresh: refresh,
		tables:  make(map[string]bool),
	}
}

// Watch adds a table to the sweep's watch list.
func (s *Scheduler) Watch(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = true
}

// Start schedules a sweep on the given cron spec (e.g. "@every 1m") and
// begins running it in the background. check is consulted for each
// watched table on every tick; only stale tables trigger a refresh.
func (s *Scheduler) Start(spec string, check StaleChecker) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		tables := make([]string, 0, len(s.tables))
		for t := range s.tables {
			tables = append(tables, t)
		}
		s.mu.Unlock()
		for _, t := range tables {
			stale, _, _ := check(t)
			if stale {
				_ = s.refresh(t)
			}
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

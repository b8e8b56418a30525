package sensor

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler keeps one periodic update entry per device. Scheduling a
// device again replaces its previous entry.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule runs fn for address every delay, starting delay from now.
// Delays are rounded to whole seconds, with a one second minimum.
func (s *Scheduler) Schedule(address string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[address]; ok {
		s.cron.Remove(id)
	}
	s.entries[address] = s.cron.Schedule(cron.Every(delay), cron.FuncJob(fn))

	s.logger.Debug().
		Str("address", address).
		Dur("delay", delay).
		Msg("Update scheduled")
}

// Cancel drops the entry of address
func (s *Scheduler) Cancel(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[address]; ok {
		s.cron.Remove(id)
		delete(s.entries, address)
	}
}

// Next returns when the entry of address fires next. It is zero when
// nothing is scheduled or the scheduler is not running.
func (s *Scheduler) Next(address string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[address]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

package storage

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const defaultCleanupSchedule = "@hourly"

// RetentionCleaner removes old readings on a cron schedule
type RetentionCleaner struct {
	store         *SQLiteStore
	logger        zerolog.Logger
	retentionDays int
	schedule      string
	cron          *cron.Cron
	stopOnce      sync.Once

	// Stats
	mu              sync.RWMutex
	totalDeleted    int64
	totalCleanups   int64
	lastCleanup     time.Time
	lastDeleteCount int64
}

// RetentionCleanerConfig holds configuration for the cleaner
type RetentionCleanerConfig struct {
	RetentionDays int    // days of data to keep (default: 365)
	Schedule      string // cron spec or descriptor (default: @hourly)
}

// DefaultRetentionCleanerConfig returns sensible defaults
func DefaultRetentionCleanerConfig() RetentionCleanerConfig {
	return RetentionCleanerConfig{
		RetentionDays: 365,
		Schedule:      defaultCleanupSchedule,
	}
}

// RetentionCleanerStats contains statistics about the cleaner
type RetentionCleanerStats struct {
	TotalDeleted    int64     `json:"total_deleted"`
	TotalCleanups   int64     `json:"total_cleanups"`
	LastCleanup     time.Time `json:"last_cleanup,omitempty"`
	LastDeleteCount int64     `json:"last_delete_count"`
	RetentionDays   int       `json:"retention_days"`
	Schedule        string    `json:"schedule"`
}

// NewRetentionCleaner creates and starts a new retention cleaner. An
// initial cleanup runs synchronously before the schedule starts.
func NewRetentionCleaner(store *SQLiteStore, config RetentionCleanerConfig, logger zerolog.Logger) *RetentionCleaner {
	c := &RetentionCleaner{
		store:         store,
		logger:        logger,
		retentionDays: config.RetentionDays,
		schedule:      config.Schedule,
		cron:          cron.New(),
	}

	if _, err := c.cron.AddFunc(c.schedule, c.runCleanup); err != nil {
		logger.Warn().
			Err(err).
			Str("provided_schedule", c.schedule).
			Str("default_schedule", defaultCleanupSchedule).
			Msg("Invalid cleanup schedule, using default")
		c.schedule = defaultCleanupSchedule
		c.cron.AddFunc(c.schedule, c.runCleanup)
	}

	c.runCleanup()
	c.cron.Start()

	logger.Info().
		Int("retention_days", c.retentionDays).
		Str("schedule", c.schedule).
		Msg("RetentionCleaner started")

	return c
}

// runCleanup performs the actual cleanup operation
func (c *RetentionCleaner) runCleanup() {
	deleted, err := c.store.DeleteOlderThan(c.retentionDays)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCleanups++
	c.lastCleanup = time.Now()

	if err != nil {
		c.logger.Error().Err(err).Msg("Retention cleanup failed")
		return
	}

	c.totalDeleted += deleted
	c.lastDeleteCount = deleted
	if deleted > 0 {
		c.logger.Info().
			Int64("deleted", deleted).
			Int("retention_days", c.retentionDays).
			Msg("Retention cleanup completed")
	} else {
		c.logger.Debug().
			Int("retention_days", c.retentionDays).
			Msg("Retention cleanup completed, no old data to delete")
	}
}

// Stop stops the schedule and waits for a running cleanup to finish
func (c *RetentionCleaner) Stop() {
	c.stopOnce.Do(func() {
		<-c.cron.Stop().Done()
		c.logger.Info().Msg("RetentionCleaner stopped")
	})
}

// Stats returns current cleaner statistics
func (c *RetentionCleaner) Stats() RetentionCleanerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return RetentionCleanerStats{
		TotalDeleted:    c.totalDeleted,
		TotalCleanups:   c.totalCleanups,
		LastCleanup:     c.lastCleanup,
		LastDeleteCount: c.lastDeleteCount,
		RetentionDays:   c.retentionDays,
		Schedule:        c.schedule,
	}
}

// RunNow triggers an immediate cleanup
func (c *RetentionCleaner) RunNow() {
	c.runCleanup()
}

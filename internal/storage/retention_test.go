package storage

import (
	"testing"
	"time"

	"github.com/afroash/plantmon/internal/models"
)

// setupTestRetentionCleaner seeds a store and starts a cleaner over it
func setupTestRetentionCleaner(t *testing.T, config RetentionCleanerConfig, seed func(*SQLiteStore)) (*SQLiteStore, *RetentionCleaner, func()) {
	t.Helper()

	store, cleanupDB := setupTestDB(t)
	if seed != nil {
		seed(store)
	}

	cleaner := NewRetentionCleaner(store, config, testLogger())

	cleanup := func() {
		cleaner.Stop()
		cleanupDB()
	}
	return store, cleaner, cleanup
}

// seedAges inserts one reading per age, in days before now
func seedAges(t *testing.T, ages ...int) func(*SQLiteStore) {
	return func(store *SQLiteStore) {
		now := time.Now().UTC()
		var readings []*models.SensorReading
		for _, days := range ages {
			readings = append(readings, createTestReading("dev", 20, 30, now.AddDate(0, 0, -days)))
		}
		if err := store.InsertBatch(readings); err != nil {
			t.Fatalf("InsertBatch failed: %v", err)
		}
	}
}

func TestRetentionCleaner_InitialCleanup(t *testing.T) {
	config := RetentionCleanerConfig{RetentionDays: 30, Schedule: "@hourly"}

	store, cleaner, cleanup := setupTestRetentionCleaner(t, config, seedAges(t, 1, 10, 29, 31, 90, 400))
	defer cleanup()

	stats, _ := store.GetStorageStats()
	if stats.TotalReadings != 3 {
		t.Errorf("TotalReadings = %d, want 3", stats.TotalReadings)
	}

	cs := cleaner.Stats()
	if cs.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", cs.TotalCleanups)
	}
	if cs.TotalDeleted != 3 {
		t.Errorf("TotalDeleted = %d, want 3", cs.TotalDeleted)
	}
	if cs.LastDeleteCount != 3 {
		t.Errorf("LastDeleteCount = %d, want 3", cs.LastDeleteCount)
	}
	if cs.LastCleanup.IsZero() {
		t.Error("LastCleanup should not be zero")
	}
}

func TestRetentionCleaner_RunNow(t *testing.T) {
	config := RetentionCleanerConfig{RetentionDays: 7, Schedule: "@daily"}

	store, cleaner, cleanup := setupTestRetentionCleaner(t, config, nil)
	defer cleanup()

	if cs := cleaner.Stats(); cs.TotalDeleted != 0 {
		t.Errorf("TotalDeleted = %d, want 0 on empty store", cs.TotalDeleted)
	}

	seedAges(t, 2, 8, 9)(store)
	cleaner.RunNow()

	stats, _ := store.GetStorageStats()
	if stats.TotalReadings != 1 {
		t.Errorf("TotalReadings = %d, want 1", stats.TotalReadings)
	}

	cs := cleaner.Stats()
	if cs.TotalCleanups != 2 {
		t.Errorf("TotalCleanups = %d, want 2", cs.TotalCleanups)
	}
	if cs.LastDeleteCount != 2 {
		t.Errorf("LastDeleteCount = %d, want 2", cs.LastDeleteCount)
	}

	// nothing left to delete
	cleaner.RunNow()
	cs = cleaner.Stats()
	if cs.LastDeleteCount != 0 {
		t.Errorf("LastDeleteCount = %d, want 0", cs.LastDeleteCount)
	}
	if cs.TotalDeleted != 2 {
		t.Errorf("TotalDeleted = %d, want 2", cs.TotalDeleted)
	}
}

func TestRetentionCleaner_InvalidSchedule(t *testing.T) {
	config := RetentionCleanerConfig{RetentionDays: 30, Schedule: "every tuesday"}

	_, cleaner, cleanup := setupTestRetentionCleaner(t, config, nil)
	defer cleanup()

	stats := cleaner.Stats()
	if stats.Schedule != defaultCleanupSchedule {
		t.Errorf("Schedule = %q, want %q", stats.Schedule, defaultCleanupSchedule)
	}
	if stats.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", stats.RetentionDays)
	}
}

func TestRetentionCleaner_Stop(t *testing.T) {
	_, cleaner, cleanup := setupTestRetentionCleaner(t, DefaultRetentionCleanerConfig(), nil)

	done := make(chan struct{})
	go func() {
		cleaner.Stop()
		cleaner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	cleanup()
}

func TestRetentionCleaner_Defaults(t *testing.T) {
	config := DefaultRetentionCleanerConfig()
	if config.RetentionDays != 365 {
		t.Errorf("RetentionDays = %d, want 365", config.RetentionDays)
	}
	if config.Schedule != "@hourly" {
		t.Errorf("Schedule = %q, want @hourly", config.Schedule)
	}
}

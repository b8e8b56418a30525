package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

// testLogger creates a logger for tests
func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "plantmon-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

// createTestReading creates a plant reading with the given values
func createTestReading(address string, temp, moisture float64, timestamp time.Time) *models.SensorReading {
	r := models.NewSensorReading(address)
	r.Timestamp = timestamp
	r.Set(models.FieldTemperature, temp)
	r.Set(models.FieldSoilMoisture, moisture)
	return r
}

// hourly returns n readings one hour apart, newest at from
func hourly(address string, n int, from time.Time) []*models.SensorReading {
	out := make([]*models.SensorReading, n)
	for i := 0; i < n; i++ {
		out[i] = createTestReading(address, float64(i), 30, from.Add(-time.Duration(i)*time.Hour))
	}
	return out
}

func TestNewSQLiteStore(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	if store.db == nil {
		t.Fatal("Expected non-nil database connection")
	}
}

func TestNewSQLiteStore_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStore("/nonexistent/path/that/cannot/exist/test.db", testLogger())
	if err == nil {
		t.Fatal("Expected error for invalid path")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if err := store.Migrate(); err != nil {
			t.Fatalf("Migration %d failed: %v", i+2, err)
		}
	}
}

func TestUpsertReading(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	reading := createTestReading("AA:BB:CC:DD:EE:01", 23.5, 41.0, now)
	reading.SetBattery(87)
	reading.Set(models.FieldLuminosity, 1200)

	if err := store.UpsertReading(reading); err != nil {
		t.Fatalf("UpsertReading failed: %v", err)
	}

	latest, err := store.GetLatestReading("AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("GetLatestReading failed: %v", err)
	}
	if latest == nil {
		t.Fatal("Expected reading, got nil")
	}

	if latest.Value(models.FieldTemperature) != 23.5 {
		t.Errorf("Temperature = %v, want 23.5", latest.Value(models.FieldTemperature))
	}
	if latest.Value(models.FieldLuminosity) != 1200 {
		t.Errorf("Luminosity = %v, want 1200", latest.Value(models.FieldLuminosity))
	}
	if latest.Has(models.FieldHumidity) {
		t.Error("Humidity was never set and should be absent")
	}
	if latest.Battery != 87 {
		t.Errorf("Battery = %d, want 87", latest.Battery)
	}
	if !latest.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", latest.Timestamp, now)
	}
}

func TestUpsertReading_SameHourReplaces(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	hour := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	store.UpsertReading(createTestReading("dev", 20.0, 30, hour.Add(5*time.Minute)))
	store.UpsertReading(createTestReading("dev", 21.0, 31, hour.Add(40*time.Minute)))
	store.UpsertReading(createTestReading("dev", 22.0, 32, hour.Add(65*time.Minute)))

	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalReadings != 2 {
		t.Fatalf("TotalReadings = %d, want 2", stats.TotalReadings)
	}

	readings, err := store.GetReadingsInRange("dev", hour, hour.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("GetReadingsInRange failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Got %d readings, want 2", len(readings))
	}
	if readings[1].Value(models.FieldTemperature) != 21.0 {
		t.Errorf("10:00 bucket temperature = %v, want the later 21.0", readings[1].Value(models.FieldTemperature))
	}
	if want := hour.Add(40 * time.Minute); !readings[1].Timestamp.Equal(want) {
		t.Errorf("ts_full = %v, want %v", readings[1].Timestamp, want)
	}
}

func TestUpsertReading_Invalid(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	empty := models.NewSensorReading("dev")
	empty.Timestamp = time.Now()
	if err := store.UpsertReading(empty); err == nil {
		t.Error("Expected error for a reading without values")
	}
}

func TestInsertBatch(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	readings := hourly("dev", 24, now)
	// one invalid entry is skipped, not fatal
	readings = append(readings, models.NewSensorReading("dev"))

	if err := store.InsertBatch(readings); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	stats, _ := store.GetStorageStats()
	if stats.TotalReadings != 24 {
		t.Errorf("TotalReadings = %d, want 24", stats.TotalReadings)
	}
}

func TestInsertBatch_Empty(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if err := store.InsertBatch(nil); err != nil {
		t.Errorf("InsertBatch(nil) failed: %v", err)
	}
	if err := store.InsertBatch([]*models.SensorReading{}); err != nil {
		t.Errorf("InsertBatch(empty) failed: %v", err)
	}
}

func TestGetReadingsInRange(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	store.InsertBatch(hourly("dev-1", 10, now))
	store.InsertBatch(hourly("dev-2", 10, now))

	tests := []struct {
		name    string
		address string
		start   time.Time
		limit   int
		want    int
	}{
		{"last 3 hours of one device", "dev-1", now.Add(-3 * time.Hour), 100, 4},
		{"all devices", "", now.Add(-3 * time.Hour), 100, 8},
		{"limit applies", "dev-1", now.Add(-24 * time.Hour), 5, 5},
		{"unknown device", "dev-9", now.Add(-24 * time.Hour), 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, err := store.GetReadingsInRange(tt.address, tt.start, now, tt.limit)
			if err != nil {
				t.Fatalf("GetReadingsInRange failed: %v", err)
			}
			if len(readings) != tt.want {
				t.Errorf("Got %d readings, want %d", len(readings), tt.want)
			}
			for i := 1; i < len(readings); i++ {
				if readings[i].Timestamp.After(readings[i-1].Timestamp) {
					t.Fatal("Readings not ordered newest first")
				}
			}
		})
	}
}

func TestGetReadingsBefore(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Second)
	store.InsertBatch(hourly("dev", 10, now))

	readings, err := store.GetReadingsBefore("dev", now.Add(-4*time.Hour), 3)
	if err != nil {
		t.Fatalf("GetReadingsBefore failed: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("Got %d readings, want 3", len(readings))
	}
	if want := now.Add(-5 * time.Hour); !readings[0].Timestamp.Equal(want) {
		t.Errorf("First reading at %v, want %v", readings[0].Timestamp, want)
	}
}

func TestGetLatestReading_NoReadings(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	reading, err := store.GetLatestReading("nobody")
	if err != nil {
		t.Fatalf("GetLatestReading failed: %v", err)
	}
	if reading != nil {
		t.Error("Expected nil reading for unknown device")
	}
}

func TestQueryRecent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.UpsertReading(createTestReading("dev", 19.0, 30, now.Add(-50*time.Minute)))

	tests := []struct {
		name  string
		since int
		found bool
	}{
		{"inside window", 60, true},
		{"outside window", 30, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := store.QueryRecent("dev", tt.since)
			if err != nil {
				t.Fatalf("QueryRecent failed: %v", err)
			}
			if (r != nil) != tt.found {
				t.Fatalf("QueryRecent(%d) = %v, want found=%v", tt.since, r, tt.found)
			}
			if r != nil && r.Value(models.FieldTemperature) != 19.0 {
				t.Errorf("Temperature = %v, want 19", r.Value(models.FieldTemperature))
			}
		})
	}
}

func TestQueryAggregateByDay(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	day := time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)
	for i, temp := range []float64{10, 20, 30} {
		store.UpsertReading(createTestReading("dev", temp, 30, day.Add(time.Duration(i+8)*time.Hour)))
	}
	store.UpsertReading(createTestReading("dev", 15, 30, now.Add(-time.Hour)))
	// outside the window
	store.UpsertReading(createTestReading("dev", 99, 30, now.AddDate(0, 0, -20)))

	aggs, err := store.QueryAggregateByDay("dev", models.FieldTemperature, 7)
	if err != nil {
		t.Fatalf("QueryAggregateByDay failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("Got %d days, want 2", len(aggs))
	}

	if aggs[0].Date != "2024-06-10" || aggs[1].Date != "2024-06-09" {
		t.Errorf("Dates = %s, %s; want newest first", aggs[0].Date, aggs[1].Date)
	}

	got := aggs[1]
	if got.Min != 10 || got.Max != 30 || got.Avg != 20 || got.Count != 3 {
		t.Errorf("2024-06-09 = %+v, want min 10 avg 20 max 30 count 3", got)
	}
	if got.Field != "temperature" {
		t.Errorf("Field = %q, want temperature", got.Field)
	}

	// a field with no samples yields no rows
	aggs, err = store.QueryAggregateByDay("dev", models.FieldCO2, 7)
	if err != nil {
		t.Fatalf("QueryAggregateByDay failed: %v", err)
	}
	if len(aggs) != 0 {
		t.Errorf("Got %d days for co2, want 0", len(aggs))
	}

	if _, err := store.QueryAggregateByDay("dev", models.Field(-1), 7); err == nil {
		t.Error("Expected error for an unknown field")
	}
}

func TestDeleteReadings(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	store.InsertBatch(hourly("dev-1", 5, now))
	store.InsertBatch(hourly("dev-2", 3, now))

	deleted, err := store.DeleteReadings("dev-1")
	if err != nil {
		t.Fatalf("DeleteReadings failed: %v", err)
	}
	if deleted != 5 {
		t.Errorf("Deleted %d readings, want 5", deleted)
	}

	addrs, _ := store.GetAddresses()
	if len(addrs) != 1 || addrs[0] != "dev-2" {
		t.Errorf("Addresses = %v, want [dev-2]", addrs)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	store.InsertBatch(hourly("dev", 5, now))
	store.InsertBatch(hourly("dev", 5, now.AddDate(0, 0, -35)))

	stats, _ := store.GetStorageStats()
	if stats.TotalReadings != 10 {
		t.Fatalf("Expected 10 readings before cleanup, got %d", stats.TotalReadings)
	}

	deleted, err := store.DeleteOlderThan(30)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}

	if deleted != 5 {
		t.Errorf("Deleted %d readings, want 5", deleted)
	}

	stats, _ = store.GetStorageStats()
	if stats.TotalReadings != 5 {
		t.Errorf("Expected 5 readings after cleanup, got %d", stats.TotalReadings)
	}
}

func TestGetStorageStats(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalReadings != 0 {
		t.Errorf("TotalReadings = %d, want 0", stats.TotalReadings)
	}

	now := time.Now().UTC()
	store.InsertBatch(hourly("dev-1", 2, now))
	store.UpsertReading(createTestReading("dev-2", 24.0, 47.0, now))

	stats, err = store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}

	if stats.TotalReadings != 3 {
		t.Errorf("TotalReadings = %d, want 3", stats.TotalReadings)
	}
	if stats.UniqueDevices != 2 {
		t.Errorf("UniqueDevices = %d, want 2", stats.UniqueDevices)
	}
	if stats.NewestReading.IsZero() || stats.OldestReading.After(stats.NewestReading) {
		t.Errorf("Bad range: %v .. %v", stats.OldestReading, stats.NewestReading)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	// Run with: go test -race ./internal/storage/...
	done := make(chan bool)
	now := time.Now().UTC()

	for g := 0; g < 10; g++ {
		go func(id int) {
			for i := 0; i < 20; i++ {
				store.UpsertReading(createTestReading(
					"dev",
					float64(i),
					30,
					now.Add(-time.Duration(id*20+i)*time.Hour),
				))
			}
			done <- true
		}(g)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalReadings != 200 {
		t.Errorf("TotalReadings = %d, want 200", stats.TotalReadings)
	}
}

func TestClose(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := store.GetLatestReading("dev"); err == nil {
		t.Error("Expected error after Close, got nil")
	}
}

func BenchmarkUpsertReading(b *testing.B) {
	tmpDir, _ := os.MkdirTemp("", "plantmon-bench-*")
	defer os.RemoveAll(tmpDir)

	store, _ := NewSQLiteStore(filepath.Join(tmpDir, "bench.db"), zerolog.Nop())
	defer store.Close()

	reading := createTestReading("dev", 22.5, 45.0, time.Now().UTC())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.UpsertReading(reading)
	}
}

func BenchmarkInsertBatch(b *testing.B) {
	tmpDir, _ := os.MkdirTemp("", "plantmon-bench-*")
	defer os.RemoveAll(tmpDir)

	store, _ := NewSQLiteStore(filepath.Join(tmpDir, "bench.db"), zerolog.Nop())
	defer store.Close()

	readings := hourly("dev", 100, time.Now().UTC())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.InsertBatch(readings)
	}
}

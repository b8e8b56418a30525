package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// Store defines the interface for device and reading storage
type Store interface {
	Close() error
	Migrate() error
	UpsertReading(r *models.SensorReading) error
	InsertBatch(readings []*models.SensorReading) error
	GetReadingsInRange(address string, start, end time.Time, limit int) ([]*models.SensorReading, error)
	GetReadingsBefore(address string, before time.Time, limit int) ([]*models.SensorReading, error)
	GetLatestReading(address string) (*models.SensorReading, error)
	QueryRecent(address string, sinceMinutes int) (*models.SensorReading, error)
	QueryAggregateByDay(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error)
	DeleteReadings(address string) (int64, error)
	DeleteOlderThan(days int) (int64, error)
	GetStorageStats() (*StorageStats, error)
	GetAddresses() ([]string, error)
	SaveDevice(d *models.DeviceInfo) error
	LoadDevice(address string) (*models.DeviceInfo, error)
	ListDevices() ([]*models.DeviceInfo, error)
	UpdateLastHistorySync(address string, at time.Time) error
	SavePlantLimits(address string, l models.PlantLimits) error
	LoadPlantLimits(address string) (*models.PlantLimits, error)
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore handles persistent storage of devices and readings
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// StorageStats contains information about the database
type StorageStats struct {
	TotalReadings  int64     `json:"total_readings"`
	OldestReading  time.Time `json:"oldest_reading,omitempty"`
	NewestReading  time.Time `json:"newest_reading,omitempty"`
	UniqueDevices  int       `json:"unique_devices"`
	DatabaseSizeMB float64   `json:"database_size_mb"`
}

// fieldColumns lists the reading value columns in Field order
var fieldColumns = func() []string {
	fields := models.AllFields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.String()
	}
	return cols
}()

var (
	valueColumns   = "ts_full, battery, " + strings.Join(fieldColumns, ", ")
	readingColumns = "address, " + valueColumns
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Apply performance pragmas for SQLite
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the database schema if it doesn't exist
func (s *SQLiteStore) Migrate() error {
	var cols strings.Builder
	for _, c := range fieldColumns {
		fmt.Fprintf(&cols, "\t\t%s REAL,\n", c)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		address TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		model TEXT NOT NULL,
		firmware TEXT NOT NULL DEFAULT '',
		battery INTEGER NOT NULL DEFAULT -1,
		plant_name TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		last_history_sync DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS readings (
		address TEXT NOT NULL,
		ts DATETIME NOT NULL,
		ts_full DATETIME NOT NULL,
		battery INTEGER NOT NULL DEFAULT -1,
` + cols.String() + `		PRIMARY KEY (address, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_readings_time ON readings(ts_full DESC);

	CREATE TABLE IF NOT EXISTS plant_limits (
		address TEXT PRIMARY KEY,
		soil_moisture_min INTEGER NOT NULL,
		soil_moisture_max INTEGER NOT NULL,
		soil_conductivity_min INTEGER NOT NULL,
		soil_conductivity_max INTEGER NOT NULL,
		temperature_min INTEGER NOT NULL,
		temperature_max INTEGER NOT NULL,
		humidity_min INTEGER NOT NULL,
		humidity_max INTEGER NOT NULL,
		luminosity_min INTEGER NOT NULL,
		luminosity_max INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// hourBucket truncates t to the hour the row is keyed on
func hourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(timeLayout)
}

func upsertQuery() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fieldColumns)+4), ", ")
	return fmt.Sprintf(
		"INSERT OR REPLACE INTO readings (address, ts, %s) VALUES (%s)",
		valueColumns, placeholders,
	)
}

func upsertArgs(r *models.SensorReading) []interface{} {
	args := make([]interface{}, 0, len(fieldColumns)+4)
	args = append(args, r.Address, hourBucket(r.Timestamp), r.Timestamp.UTC().Format(timeLayout), r.Battery)
	for _, f := range models.AllFields() {
		if v, ok := r.Get(f); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return args
}

// UpsertReading stores a reading, replacing any row of the same device and hour
func (s *SQLiteStore) UpsertReading(r *models.SensorReading) error {
	if !r.IsValid() {
		return fmt.Errorf("invalid reading for %q", r.Address)
	}

	if _, err := s.db.Exec(upsertQuery(), upsertArgs(r)...); err != nil {
		return fmt.Errorf("failed to upsert reading: %w", err)
	}
	return nil
}

// InsertBatch upserts multiple readings in a single transaction
func (s *SQLiteStore) InsertBatch(readings []*models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	skipped := 0
	for _, r := range readings {
		if !r.IsValid() {
			skipped++
			continue
		}
		if _, err := stmt.Exec(upsertArgs(r)...); err != nil {
			return fmt.Errorf("failed to insert reading in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(readings)-skipped).Int("skipped", skipped).Msg("Batch insert completed")
	return nil
}

// GetReadingsInRange returns readings within a time range, newest first.
// An empty address matches every device.
func (s *SQLiteStore) GetReadingsInRange(address string, start, end time.Time, limit int) ([]*models.SensorReading, error) {
	where := "ts_full BETWEEN ? AND ?"
	args := []interface{}{start.UTC().Format(timeLayout), end.UTC().Format(timeLayout)}
	if address != "" {
		where = "address = ? AND " + where
		args = append([]interface{}{address}, args...)
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		"SELECT "+readingColumns+" FROM readings WHERE "+where+" ORDER BY ts_full DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return s.scanReadings(rows)
}

// GetReadingsBefore returns readings before a specific time (for scrolling back)
func (s *SQLiteStore) GetReadingsBefore(address string, before time.Time, limit int) ([]*models.SensorReading, error) {
	where := "ts_full < ?"
	args := []interface{}{before.UTC().Format(timeLayout)}
	if address != "" {
		where = "address = ? AND " + where
		args = append([]interface{}{address}, args...)
	}
	args = append(args, limit)

	rows, err := s.db.Query(
		"SELECT "+readingColumns+" FROM readings WHERE "+where+" ORDER BY ts_full DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return s.scanReadings(rows)
}

// GetLatestReading returns the most recent reading of a device
func (s *SQLiteStore) GetLatestReading(address string) (*models.SensorReading, error) {
	row := s.db.QueryRow(
		"SELECT "+readingColumns+" FROM readings WHERE address = ? ORDER BY ts_full DESC LIMIT 1",
		address,
	)
	reading, err := s.scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	return reading, nil
}

// QueryRecent returns the newest reading younger than sinceMinutes, or nil
func (s *SQLiteStore) QueryRecent(address string, sinceMinutes int) (*models.SensorReading, error) {
	cutoff := s.now().UTC().Add(-time.Duration(sinceMinutes) * time.Minute)

	row := s.db.QueryRow(
		"SELECT "+readingColumns+" FROM readings WHERE address = ? AND ts_full >= ? ORDER BY ts_full DESC LIMIT 1",
		address, cutoff.Format(timeLayout),
	)
	reading, err := s.scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent reading: %w", err)
	}
	return reading, nil
}

// QueryAggregateByDay returns the daily min/avg/max of one field over the
// last maxDays days, newest day first
func (s *SQLiteStore) QueryAggregateByDay(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("unknown field %d", int(field))
	}
	col := field.String()
	cutoff := s.now().UTC().AddDate(0, 0, -maxDays)

	query := fmt.Sprintf(`
		SELECT
			date(ts_full) as day,
			MIN(%[1]s), AVG(%[1]s), MAX(%[1]s),
			COUNT(%[1]s)
		FROM readings
		WHERE address = ? AND ts_full >= ? AND %[1]s IS NOT NULL
		GROUP BY day
		ORDER BY day DESC
	`, col)

	rows, err := s.db.Query(query, address, cutoff.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []models.DailyAggregate
	for rows.Next() {
		agg := models.DailyAggregate{Field: col}
		if err := rows.Scan(&agg.Date, &agg.Min, &agg.Avg, &agg.Max, &agg.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}
		out = append(out, agg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}

// DeleteReadings removes every reading of a device
func (s *SQLiteStore) DeleteReadings(address string) (int64, error) {
	result, err := s.db.Exec("DELETE FROM readings WHERE address = ?", address)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info().Str("address", address).Int64("deleted", deleted).Msg("Deleted device readings")
	return deleted, nil
}

// DeleteOlderThan removes readings older than the specified number of days
func (s *SQLiteStore) DeleteOlderThan(days int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	result, err := s.db.Exec(
		"DELETE FROM readings WHERE ts_full < ?",
		cutoff.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old readings: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info().
		Int("days", days).
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Deleted old readings")

	return deleted, nil
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	err := s.db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&stats.TotalReadings)
	if err != nil {
		return nil, fmt.Errorf("failed to count readings: %w", err)
	}

	if stats.TotalReadings == 0 {
		return stats, nil
	}

	var oldestStr, newestStr string
	err = s.db.QueryRow("SELECT MIN(ts_full), MAX(ts_full) FROM readings").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("failed to get timestamp range: %w", err)
	}

	stats.OldestReading, _ = parseTimestamp(oldestStr)
	stats.NewestReading, _ = parseTimestamp(newestStr)

	err = s.db.QueryRow("SELECT COUNT(DISTINCT address) FROM readings").Scan(&stats.UniqueDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

// GetAddresses returns every device address that has readings
func (s *SQLiteStore) GetAddresses() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT address FROM readings ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addrs = append(addrs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return addrs, nil
}

// scanReading scans one row selected with readingColumns
func (s *SQLiteStore) scanReading(row interface{ Scan(...interface{}) error }) (*models.SensorReading, error) {
	var address, tsFull string
	var battery int
	values := make([]sql.NullFloat64, len(fieldColumns))

	dest := make([]interface{}, 0, len(values)+3)
	dest = append(dest, &address, &tsFull, &battery)
	for i := range values {
		dest = append(dest, &values[i])
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	r := models.NewSensorReading(address)
	r.Battery = battery

	var err error
	r.Timestamp, err = parseTimestamp(tsFull)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ts_full: %w", err)
	}

	for i, f := range models.AllFields() {
		if values[i].Valid {
			r.Set(f, values[i].Float64)
		}
	}
	return r, nil
}

// scanReadings scans multiple rows into a slice of readings
func (s *SQLiteStore) scanReadings(rows *sql.Rows) ([]*models.SensorReading, error) {
	var readings []*models.SensorReading

	for rows.Next() {
		r, err := s.scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return readings, nil
}

// parseTimestamp tries multiple formats to parse a SQLite timestamp
func parseTimestamp(ts string) (time.Time, error) {
	formats := []string{
		timeLayout,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}

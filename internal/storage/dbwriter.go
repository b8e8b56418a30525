package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

// DBWriter commits downloaded history in the background so a long sync
// never blocks the device loop. Every download is queued as one job: it
// is either accepted whole or dropped whole, and its callback learns how
// the transaction that carried it ended.
type DBWriter struct {
	store       *SQLiteStore
	logger      zerolog.Logger
	jobs        chan writeJob
	batchSize   int
	flushPeriod time.Duration
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu            sync.RWMutex
	pending       int
	totalWritten  int64
	totalBatches  int64
	totalErrors   int64
	totalDropped  int64
	lastWriteTime time.Time
}

type writeJob struct {
	address   string
	readings  []*models.SensorReading
	committed func(error)
}

// DBWriterConfig holds configuration for the async writer
type DBWriterConfig struct {
	BatchSize   int           // readings per transaction (default: 100)
	FlushPeriod time.Duration // max time between flushes (default: 5s)
	ChannelSize int           // queued downloads (default: 1000)
}

// DefaultDBWriterConfig returns sensible defaults
func DefaultDBWriterConfig() DBWriterConfig {
	return DBWriterConfig{
		BatchSize:   100,
		FlushPeriod: 5 * time.Second,
		ChannelSize: 1000,
	}
}

// DBWriterStats contains statistics about the writer
type DBWriterStats struct {
	TotalWritten   int64     `json:"total_written"`
	TotalBatches   int64     `json:"total_batches"`
	TotalErrors    int64     `json:"total_errors"`
	TotalDropped   int64     `json:"total_dropped"`
	LastWriteTime  time.Time `json:"last_write_time,omitempty"`
	QueueLength    int       `json:"queue_length"`
	PendingEntries int       `json:"pending_entries"`
}

// NewDBWriter creates a new async database writer
func NewDBWriter(store *SQLiteStore, config DBWriterConfig, logger zerolog.Logger) *DBWriter {
	def := DefaultDBWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = def.FlushPeriod
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = def.ChannelSize
	}

	w := &DBWriter{
		store:       store,
		logger:      logger,
		jobs:        make(chan writeJob, config.ChannelSize),
		batchSize:   config.BatchSize,
		flushPeriod: config.FlushPeriod,
		stopChan:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writerLoop()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Msg("DBWriter started")

	return w
}

// WriteHistory queues the entries of one history download. It returns
// false, and queues nothing, when the queue is full. Otherwise committed,
// if set, is called from the writer goroutine once the entries are stored
// or their transaction failed.
func (w *DBWriter) WriteHistory(readings []*models.SensorReading, committed func(error)) bool {
	if len(readings) == 0 {
		if committed != nil {
			committed(nil)
		}
		return true
	}
	job := writeJob{address: readings[0].Address, readings: readings, committed: committed}

	// pending is raised before the send so the loop never sees it negative
	w.mu.Lock()
	w.pending += len(readings)
	w.mu.Unlock()

	select {
	case w.jobs <- job:
		return true
	default:
		w.mu.Lock()
		w.pending -= len(readings)
		w.totalDropped += int64(len(readings))
		w.mu.Unlock()
		w.logger.Warn().
			Str("device", job.address).
			Int("entries", len(readings)).
			Msg("DBWriter queue full, dropping history")
		return false
	}
}

func (w *DBWriter) writerLoop() {
	defer w.wg.Done()

	var b batch
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case job := <-w.jobs:
			b.add(job)
			if len(b.readings) >= w.batchSize {
				w.flush(b)
				b = batch{}
			}

		case <-ticker.C:
			if len(b.readings) > 0 {
				w.flush(b)
				b = batch{}
			}

		case <-w.stopChan:
			draining := true
			for draining {
				select {
				case job := <-w.jobs:
					b.add(job)
				default:
					draining = false
				}
			}
			if len(b.readings) > 0 {
				w.flush(b)
			}
			w.logger.Info().Msg("DBWriter stopped")
			return
		}
	}
}

// batch gathers whole jobs until they are flushed together
type batch struct {
	readings  []*models.SensorReading
	committed []func(error)
}

func (b *batch) add(job writeJob) {
	b.readings = append(b.readings, job.readings...)
	if job.committed != nil {
		b.committed = append(b.committed, job.committed)
	}
}

// flush commits a batch in one transaction and reports the result to
// every job in it
func (w *DBWriter) flush(b batch) {
	err := w.store.InsertBatch(b.readings)

	w.mu.Lock()
	w.pending -= len(b.readings)
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Int("batch_size", len(b.readings)).Msg("Failed to write history batch")
	} else {
		w.totalWritten += int64(len(b.readings))
		w.totalBatches++
		w.lastWriteTime = time.Now()
		w.logger.Debug().Int("count", len(b.readings)).Msg("Flushed history batch")
	}
	w.mu.Unlock()

	for _, committed := range b.committed {
		committed(err)
	}
}

// Stop flushes whatever is queued and stops the writer
func (w *DBWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Stats returns current writer statistics
func (w *DBWriter) Stats() DBWriterStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return DBWriterStats{
		TotalWritten:   w.totalWritten,
		TotalBatches:   w.totalBatches,
		TotalErrors:    w.totalErrors,
		TotalDropped:   w.totalDropped,
		LastWriteTime:  w.lastWriteTime,
		QueueLength:    len(w.jobs),
		PendingEntries: w.pending,
	}
}

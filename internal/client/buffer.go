package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/plantmon/internal/models"
)

// ReadingBuffer holds readings waiting for the collector. It is bounded
// and either drops the oldest or refuses the newest reading when full.
type ReadingBuffer struct {
	readings   []*models.SensorReading
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	TotalRequeued int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewReadingBuffer creates a new reading buffer with given capacity
func NewReadingBuffer(capacity int, dropOldest bool) *ReadingBuffer {
	return &ReadingBuffer{
		readings:   make([]*models.SensorReading, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push adds a reading to the buffer.
// Returns false if the reading was dropped (full and dropOldest=false).
func (rb *ReadingBuffer) Push(reading *models.SensorReading) bool {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if len(rb.readings) >= rb.capacity {
		rb.stats.TotalDropped++
		rb.stats.LastDropTime = time.Now()
		if !rb.dropOldest {
			return false
		}
		rb.readings = rb.readings[1:]
	}
	rb.readings = append(rb.readings, reading)
	rb.stats.TotalPushed++
	rb.stats.LastPushTime = time.Now()

	if len(rb.readings) > rb.stats.HighWaterMark {
		rb.stats.HighWaterMark = len(rb.readings)
	}
	return true
}

// Requeue puts readings that failed to send back in front of the buffer.
// Readings that no longer fit are dropped, newest first.
func (rb *ReadingBuffer) Requeue(readings []*models.SensorReading) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	room := rb.capacity - len(rb.readings)
	if room <= 0 {
		rb.stats.TotalDropped += int64(len(readings))
		return
	}
	if len(readings) > room {
		rb.stats.TotalDropped += int64(len(readings) - room)
		rb.stats.LastDropTime = time.Now()
		readings = readings[:room]
	}

	merged := make([]*models.SensorReading, 0, rb.capacity)
	merged = append(merged, readings...)
	rb.readings = append(merged, rb.readings...)
	rb.stats.TotalRequeued += int64(len(readings))
}

// PopBatch removes and returns up to n readings, oldest first
func (rb *ReadingBuffer) PopBatch(n int) []*models.SensorReading {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	count := min(n, len(rb.readings))
	if count == 0 {
		return nil
	}
	result := make([]*models.SensorReading, count)
	copy(result, rb.readings[:count])
	rb.readings = rb.readings[count:]
	return result
}

// Size returns the current number of readings in the buffer
func (rb *ReadingBuffer) Size() int {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings)
}

// IsFull returns true if buffer is at capacity
func (rb *ReadingBuffer) IsFull() bool {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings) >= rb.capacity
}

// IsEmpty returns true if buffer has no readings
func (rb *ReadingBuffer) IsEmpty() bool {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings) == 0
}

// Clear removes all readings and resets the counters
func (rb *ReadingBuffer) Clear() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	rb.readings = make([]*models.SensorReading, 0, rb.capacity)
	rb.stats = BufferStats{}
}

// Capacity returns the maximum capacity of the buffer
func (rb *ReadingBuffer) Capacity() int {
	return rb.capacity
}

// Stats returns a copy of current buffer statistics
func (rb *ReadingBuffer) Stats() BufferStats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return rb.stats
}

// String returns something like "Buffer[12/1000, dropped: 5, mode: drop-oldest]"
func (rb *ReadingBuffer) String() string {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	mode := "drop-newest"
	if rb.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		len(rb.readings),
		rb.capacity,
		rb.stats.TotalDropped,
		mode,
	)
}

// Package stats accumulates relay statistics for the end-of-run summary.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Recorder accumulates per-chunk relay statistics. Chunk sizes go into a
// t-digest so the summary can report percentiles without retaining every
// observation (~100 centroids, a few KB).
//
// Safe for a recorder goroutine concurrent with Summary().
type Recorder struct {
	mu         sync.Mutex
	chunkSizes *tdigest.TDigest
	bytes      int64
	chunks     int64
	started    time.Time
}

// NewRecorder creates a Recorder. The run clock starts now.
func NewRecorder() *Recorder {
	return &Recorder{
		chunkSizes: tdigest.NewWithCompression(100),
		started:    time.Now(),
	}
}

// RecordChunk records one forwarded chunk of n bytes. Matches the
// signature of the supervisor's OnRelay callback.
func (r *Recorder) RecordChunk(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkSizes.Add(float64(n), 1)
	r.bytes += int64(n)
	r.chunks++
}

// Summary is a snapshot of the recorded statistics.
type Summary struct {
	Elapsed       time.Duration
	Bytes         int64
	Chunks        int64
	ThroughputBps float64 // bytes per second over the whole run
	ChunkSizeP50  float64
	ChunkSizeP95  float64
	ChunkSizeP99  float64
}

// Summarize returns a snapshot of everything recorded so far.
func (r *Recorder) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.started)
	s := Summary{
		Elapsed: elapsed,
		Bytes:   r.bytes,
		Chunks:  r.chunks,
	}
	if elapsed > 0 {
		s.ThroughputBps = float64(r.bytes) / elapsed.Seconds()
	}
	if r.chunks > 0 {
		s.ChunkSizeP50 = r.chunkSizes.Quantile(0.50)
		s.ChunkSizeP95 = r.chunkSizes.Quantile(0.95)
		s.ChunkSizeP99 = r.chunkSizes.Quantile(0.99)
	}
	return s
}

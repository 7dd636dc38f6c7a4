// Package metrics tracks workload counters for the index: reads,
// writes, hits, plus the structural-modification and retry counters
// the concurrency protocol needs to observe.
package metrics

import "sync/atomic"

// Stats holds atomic workload counters. The zero value is ready to
// use.
type Stats struct {
	ReadCount              uint64
	WriteCount             uint64
	HitCount               uint64
	BorderSplitCount       uint64
	IntermediateSplitCount uint64
	NextLayerCreateCount   uint64
	RetryCount             uint64
	OutOfPagesCount        uint64
}

// New returns a ready-to-use, zeroed Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) RecordRead()  { atomic.AddUint64(&s.ReadCount, 1) }
func (s *Stats) RecordWrite() { atomic.AddUint64(&s.WriteCount, 1) }
func (s *Stats) RecordHit()   { atomic.AddUint64(&s.HitCount, 1) }

// RecordBorderSplit counts a completed border-page split.
func (s *Stats) RecordBorderSplit() { atomic.AddUint64(&s.BorderSplitCount, 1) }

// RecordIntermediateSplit counts a completed intermediate-page split.
func (s *Stats) RecordIntermediateSplit() { atomic.AddUint64(&s.IntermediateSplitCount, 1) }

// RecordNextLayerCreate counts a completed next-layer creation.
func (s *Stats) RecordNextLayerCreate() { atomic.AddUint64(&s.NextLayerCreateCount, 1) }

// RecordRetry counts an operation restart triggered by a concurrent
// structural modification.
func (s *Stats) RecordRetry() { atomic.AddUint64(&s.RetryCount, 1) }

// RecordOutOfPages counts a structural modification that failed
// because the page pool was exhausted.
func (s *Stats) RecordOutOfPages() { atomic.AddUint64(&s.OutOfPagesCount, 1) }

// GetReadWriteRatio mirrors WorkloadStats.GetReadWriteRatio: reads per
// write, or a saturating 100.0 when there have been reads but no
// writes yet.
func (s *Stats) GetReadWriteRatio() float64 {
	reads := atomic.LoadUint64(&s.ReadCount)
	writes := atomic.LoadUint64(&s.WriteCount)
	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}

// Snapshot is a point-in-time copy of every counter, useful for
// logging or the CLI demo without holding references into Stats
// itself.
type Snapshot struct {
	ReadCount              uint64
	WriteCount             uint64
	HitCount               uint64
	BorderSplitCount       uint64
	IntermediateSplitCount uint64
	NextLayerCreateCount   uint64
	RetryCount             uint64
	OutOfPagesCount        uint64
}

// Snap takes a consistent-enough snapshot of all counters; each field
// is read independently, with no attempt at a single atomic
// multi-field read.
func (s *Stats) Snap() Snapshot {
	return Snapshot{
		ReadCount:              atomic.LoadUint64(&s.ReadCount),
		WriteCount:             atomic.LoadUint64(&s.WriteCount),
		HitCount:               atomic.LoadUint64(&s.HitCount),
		BorderSplitCount:       atomic.LoadUint64(&s.BorderSplitCount),
		IntermediateSplitCount: atomic.LoadUint64(&s.IntermediateSplitCount),
		NextLayerCreateCount:   atomic.LoadUint64(&s.NextLayerCreateCount),
		RetryCount:             atomic.LoadUint64(&s.RetryCount),
		OutOfPagesCount:        atomic.LoadUint64(&s.OutOfPagesCount),
	}
}

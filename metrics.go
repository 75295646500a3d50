package falcon

import (
	"time"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-falcon/internal/queue"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Register-mediated queue operations complete in microseconds; the upper
// buckets catch stalled engines.
var LatencyBuckets = []uint64{
	1_000,         // 1us
	10_000,        // 10us
	100_000,       // 100us
	1_000_000,     // 1ms
	10_000_000,    // 10ms
	100_000_000,   // 100ms
	1_000_000_000, // 1s
}

const numLatencyBuckets = 7

// Metrics tracks queue operation statistics for one falcon
type Metrics struct {
	Pushes atomix.Uint64
	Pops   atomix.Uint64

	PushBytes atomix.Uint64
	PopBytes  atomix.Uint64

	PushErrors atomix.Uint64
	PopErrors  atomix.Uint64

	// Busy counts pushes rejected for lack of room
	Busy    atomix.Uint64
	Rewinds atomix.Uint64

	TotalLatencyNs atomix.Uint64
	OpCount        atomix.Uint64

	// Each bucket[i] counts operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomix.Uint64

	StartTime atomix.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPush records a push
func (m *Metrics) RecordPush(bytes uint64, latencyNs uint64, success bool) {
	m.Pushes.Add(1)
	if success {
		m.PushBytes.Add(bytes)
	} else {
		m.PushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPop records a pop that read data or failed
func (m *Metrics) RecordPop(bytes uint64, latencyNs uint64, success bool) {
	m.Pops.Add(1)
	if success {
		m.PopBytes.Add(bytes)
	} else {
		m.PopErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordBusy records a push rejected with Busy
func (m *Metrics) RecordBusy() {
	m.Busy.Add(1)
}

// RecordRewind records a cursor rewind
func (m *Metrics) RecordRewind() {
	m.Rewinds.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Pushes     uint64
	Pops       uint64
	PushBytes  uint64
	PopBytes   uint64
	PushErrors uint64
	PopErrors  uint64
	Busy       uint64
	Rewinds    uint64

	AvgLatencyNs     uint64
	LatencyP50Ns     uint64
	LatencyP99Ns     uint64
	UptimeNs         uint64
	LatencyHistogram [numLatencyBuckets]uint64

	// BusyRate is the percentage of push attempts rejected with Busy
	BusyRate  float64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Pushes:     m.Pushes.Load(),
		Pops:       m.Pops.Load(),
		PushBytes:  m.PushBytes.Load(),
		PopBytes:   m.PopBytes.Load(),
		PushErrors: m.PushErrors.Load(),
		PopErrors:  m.PopErrors.Load(),
		Busy:       m.Busy.Load(),
		Rewinds:    m.Rewinds.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.ErrorRate = float64(snap.PushErrors+snap.PopErrors) / float64(opCount) * 100.0
	}

	if attempts := snap.Pushes + snap.Busy; attempts > 0 {
		snap.BusyRate = float64(snap.Busy) / float64(attempts) * 100.0
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter
func (m *Metrics) Reset() {
	for _, c := range []*atomix.Uint64{
		&m.Pushes, &m.Pops, &m.PushBytes, &m.PopBytes, &m.PushErrors, &m.PopErrors,
		&m.Busy, &m.Rewinds, &m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer receives per-operation statistics from queues
type Observer = queue.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObservePush(uint64, uint64, bool) {}
func (NoOpObserver) ObservePop(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveBusy()                     {}
func (NoOpObserver) ObserveRewind()                   {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePush(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPush(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObservePop(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPop(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveBusy() { o.metrics.RecordBusy() }

func (o *MetricsObserver) ObserveRewind() { o.metrics.RecordRewind() }

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}

package plasma

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks store-wide operational statistics as Prometheus
// collectors. A Metrics value is safe for concurrent use; the dispatcher
// is single-threaded, but subscriber drops are recorded from the
// subscriber registry's own goroutine and snapshots may be read from any
// goroutine.
type Metrics struct {
	objectsCreated prometheus.Counter
	objectsSealed  prometheus.Counter
	objectsDeleted prometheus.Counter
	getHits        prometheus.Counter
	getMisses      prometheus.Counter
	getPending     prometheus.Gauge
	bytesStored    prometheus.Gauge
	subscribers    prometheus.Gauge
	subscriberDrops prometheus.Counter
	// sealLatency observes the time between an object's CREATE and its
	// SEAL, i.e. how long a client held an object open for writing.
	sealLatency prometheus.Histogram
	// waitLatency observes the time a GET spent blocked before the
	// object it named was sealed.
	waitLatency prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics builds a Metrics collector set registered against a fresh
// prometheus.Registry, ready to be exposed over /metrics by the caller.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		objectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_objects_created_total",
			Help: "Total number of objects created via CREATE.",
		}),
		objectsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_objects_sealed_total",
			Help: "Total number of objects sealed via SEAL.",
		}),
		objectsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_objects_deleted_total",
			Help: "Total number of objects removed via DELETE.",
		}),
		getHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_get_hits_total",
			Help: "GET requests that resolved against an already-sealed object.",
		}),
		getMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_get_misses_total",
			Help: "GET requests for an id that was not yet sealed, deferred until its seal.",
		}),
		getPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plasma_get_pending",
			Help: "GET requests currently blocked waiting on a seal.",
		}),
		bytesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plasma_bytes_stored",
			Help: "Sum of data+metadata sizes for all live objects.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plasma_subscribers",
			Help: "Number of currently registered subscription queues.",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plasma_subscriber_drops_total",
			Help: "Subscribers dropped after a notification write failed.",
		}),
		sealLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plasma_seal_latency_seconds",
			Help:    "Time between an object's creation and its seal.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		waitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plasma_get_wait_latency_seconds",
			Help:    "Time a GET spent blocked before the object was sealed.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.objectsCreated, m.objectsSealed, m.objectsDeleted,
		m.getHits, m.getMisses, m.getPending, m.bytesStored,
		m.subscribers, m.subscriberDrops, m.sealLatency, m.waitLatency,
	)

	return m
}

// Registry returns the Prometheus registry backing m, for wiring into an
// HTTP handler via promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsSnapshot is a point-in-time read of the store's counters and
// gauges, for a caller that wants plain numbers rather than a Prometheus
// registry.
type MetricsSnapshot struct {
	ObjectsCreated  uint64
	ObjectsSealed   uint64
	ObjectsDeleted  uint64
	GetHits         uint64
	GetMisses       uint64
	GetPending      int64
	BytesStored     int64
	Subscribers     int64
	SubscriberDrops uint64
}

// Snapshot reads the current value of every collector. It uses each
// collector's own Write method (the same mechanism promhttp uses to
// serialize a scrape) rather than keeping a second, parallel set of
// plain counters in sync with the Prometheus ones.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ObjectsCreated:  uint64(readCounter(m.objectsCreated)),
		ObjectsSealed:   uint64(readCounter(m.objectsSealed)),
		ObjectsDeleted:  uint64(readCounter(m.objectsDeleted)),
		GetHits:         uint64(readCounter(m.getHits)),
		GetMisses:       uint64(readCounter(m.getMisses)),
		GetPending:      int64(readGauge(m.getPending)),
		BytesStored:     int64(readGauge(m.bytesStored)),
		Subscribers:     int64(readGauge(m.subscribers)),
		SubscriberDrops: uint64(readCounter(m.subscriberDrops)),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func (m *Metrics) RecordCreate(size int64) {
	m.objectsCreated.Inc()
	m.bytesStored.Add(float64(size))
}

func (m *Metrics) RecordSeal(createdAt time.Time) {
	m.objectsSealed.Inc()
	m.sealLatency.Observe(time.Since(createdAt).Seconds())
}

func (m *Metrics) RecordDelete(size int64) {
	m.objectsDeleted.Inc()
	m.bytesStored.Add(-float64(size))
}

func (m *Metrics) RecordGetHit() {
	m.getHits.Inc()
}

func (m *Metrics) RecordGetMiss() {
	m.getMisses.Inc()
}

func (m *Metrics) RecordGetPendingStart() {
	m.getPending.Inc()
}

// RecordGetPendingEnd is called when a pending GET resolves, either by
// the object being sealed or by the client disconnecting.
func (m *Metrics) RecordGetPendingEnd(waitStart time.Time) {
	m.getPending.Dec()
	m.waitLatency.Observe(time.Since(waitStart).Seconds())
}

func (m *Metrics) RecordSubscribe() {
	m.subscribers.Inc()
}

func (m *Metrics) RecordUnsubscribe() {
	m.subscribers.Dec()
}

func (m *Metrics) RecordSubscriberDrop() {
	m.subscriberDrops.Inc()
}

// Observer lets callers outside this package plug into store events
// without depending on *Metrics directly, mirroring the dispatcher's use
// of small interfaces at its boundaries.
type Observer interface {
	ObserveCreate(size int64)
	ObserveSeal(createdAt time.Time)
	ObserveDelete(size int64)
	ObserveGetHit()
	ObserveGetMiss()
	ObserveGetPendingStart()
	ObserveGetPendingEnd(waitStart time.Time)
}

// NoOpObserver discards every event; it is the default Observer when the
// caller doesn't need metrics.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCreate(int64)            {}
func (NoOpObserver) ObserveSeal(time.Time)          {}
func (NoOpObserver) ObserveDelete(int64)            {}
func (NoOpObserver) ObserveGetHit()                 {}
func (NoOpObserver) ObserveGetMiss()                {}
func (NoOpObserver) ObserveGetPendingStart()        {}
func (NoOpObserver) ObserveGetPendingEnd(time.Time) {}

// MetricsObserver adapts a *Metrics to the Observer interface.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCreate(size int64) { o.metrics.RecordCreate(size) }
func (o *MetricsObserver) ObserveSeal(t time.Time)  { o.metrics.RecordSeal(t) }
func (o *MetricsObserver) ObserveDelete(size int64) { o.metrics.RecordDelete(size) }
func (o *MetricsObserver) ObserveGetHit()           { o.metrics.RecordGetHit() }
func (o *MetricsObserver) ObserveGetMiss()          { o.metrics.RecordGetMiss() }
func (o *MetricsObserver) ObserveGetPendingStart()  { o.metrics.RecordGetPendingStart() }
func (o *MetricsObserver) ObserveGetPendingEnd(waitStart time.Time) {
	o.metrics.RecordGetPendingEnd(waitStart)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)

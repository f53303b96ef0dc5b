package plasma

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCreateAndDelete(t *testing.T) {
	m := NewMetrics()

	m.RecordCreate(100)
	m.RecordCreate(50)
	require.Equal(t, float64(2), testutil.ToFloat64(m.objectsCreated))
	require.Equal(t, float64(150), testutil.ToFloat64(m.bytesStored))

	m.RecordDelete(50)
	require.Equal(t, float64(1), testutil.ToFloat64(m.objectsDeleted))
	require.Equal(t, float64(100), testutil.ToFloat64(m.bytesStored))
}

func TestMetricsSeal(t *testing.T) {
	m := NewMetrics()

	m.RecordSeal(time.Now().Add(-time.Millisecond))
	require.Equal(t, float64(1), testutil.ToFloat64(m.objectsSealed))
}

func TestMetricsGetHitMiss(t *testing.T) {
	m := NewMetrics()

	m.RecordGetHit()
	m.RecordGetHit()
	m.RecordGetMiss()

	require.Equal(t, float64(2), testutil.ToFloat64(m.getHits))
	require.Equal(t, float64(1), testutil.ToFloat64(m.getMisses))
}

func TestMetricsGetPending(t *testing.T) {
	m := NewMetrics()

	start := time.Now()
	m.RecordGetPendingStart()
	require.Equal(t, float64(1), testutil.ToFloat64(m.getPending))

	m.RecordGetPendingEnd(start)
	require.Equal(t, float64(0), testutil.ToFloat64(m.getPending))
}

func TestMetricsSubscribers(t *testing.T) {
	m := NewMetrics()

	m.RecordSubscribe()
	m.RecordSubscribe()
	require.Equal(t, float64(2), testutil.ToFloat64(m.subscribers))

	m.RecordUnsubscribe()
	require.Equal(t, float64(1), testutil.ToFloat64(m.subscribers))

	m.RecordSubscriberDrop()
	require.Equal(t, float64(1), testutil.ToFloat64(m.subscriberDrops))
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveCreate(10)
	obs.ObserveGetHit()
	obs.ObserveGetMiss()
	obs.ObserveSeal(time.Now())
	obs.ObserveDelete(10)

	require.Equal(t, float64(1), testutil.ToFloat64(m.objectsCreated))
	require.Equal(t, float64(1), testutil.ToFloat64(m.getHits))
	require.Equal(t, float64(1), testutil.ToFloat64(m.getMisses))
	require.Equal(t, float64(1), testutil.ToFloat64(m.objectsSealed))
	require.Equal(t, float64(1), testutil.ToFloat64(m.objectsDeleted))
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordCreate(100)
	m.RecordGetHit()
	m.RecordGetMiss()
	m.RecordSubscribe()

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.ObjectsCreated)
	require.Equal(t, int64(100), snap.BytesStored)
	require.Equal(t, uint64(1), snap.GetHits)
	require.Equal(t, uint64(1), snap.GetMisses)
	require.Equal(t, int64(1), snap.Subscribers)
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveCreate(1)
	obs.ObserveSeal(time.Now())
	obs.ObserveDelete(1)
	obs.ObserveGetHit()
	obs.ObserveGetMiss()
}

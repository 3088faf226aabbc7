package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// trafficSampler caches the previous byte counters per monitor so rates
// can be derived from deltas. The first observation of a monitor is a
// baseline and persists zero rates.
type trafficSampler struct {
	mu   sync.Mutex
	prev map[string]trafficPoint
}

type trafficPoint struct {
	at time.Time
	rx uint64
	tx uint64
}

func newTrafficSampler() *trafficSampler {
	return &trafficSampler{prev: make(map[string]trafficPoint)}
}

// delta folds a new counter reading into the cache and returns the
// derived rates. Counter resets (reboot, interface bounce) restart the
// baseline instead of producing negative rates.
func (t *trafficSampler) delta(monitorID string, at time.Time, rx, tx uint64) (rxRate, txRate float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.prev[monitorID]
	t.prev[monitorID] = trafficPoint{at: at, rx: rx, tx: tx}

	if !seen || rx < prev.rx || tx < prev.tx {
		return 0, 0, false
	}
	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0, false
	}
	return float64(rx-prev.rx) / elapsed, float64(tx-prev.tx) / elapsed, true
}

func (t *trafficSampler) forget(monitorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, monitorID)
}

// sampleTraffic reads the configured interface's counters and records
// one sample. The body of each traffic monitor's cron job.
func (e *Engine) sampleTraffic(ctx context.Context, monitorID string) error {
	m, err := e.db.GetTrafficMonitor(ctx, monitorID)
	if err != nil {
		return err
	}

	counters, err := gnet.IOCountersWithContext(ctx, true)
	if err != nil {
		ChecksTotal.WithLabelValues("traffic", "error").Inc()
		return fmt.Errorf("read interface counters: %w", err)
	}

	var stat *gnet.IOCountersStat
	for i := range counters {
		if counters[i].Name == m.Interface {
			stat = &counters[i]
			break
		}
	}
	if stat == nil {
		ChecksTotal.WithLabelValues("traffic", "error").Inc()
		// The interface may come back (hotplug, VPN); keep the schedule
		// but restart the baseline.
		e.traffic.forget(monitorID)
		return fmt.Errorf("interface %q not present", m.Interface)
	}

	now := time.Now()
	sample := store.TrafficSample{
		MonitorID: m.ID,
		SampledAt: now,
		RxBytes:   int64(stat.BytesRecv),
		TxBytes:   int64(stat.BytesSent),
	}
	if rxRate, txRate, ok := e.traffic.delta(monitorID, now, stat.BytesRecv, stat.BytesSent); ok {
		sample.RxRate = rxRate
		sample.TxRate = txRate
	}

	if err := e.db.InsertTrafficSample(ctx, sample); err != nil {
		return err
	}
	ChecksTotal.WithLabelValues("traffic", "healthy").Inc()

	e.fleet.BroadcastEvent(protocol.EventMonitorResult, protocol.MonitorResultEvent{
		MonitorID: m.ID,
		Kind:      "traffic",
		Target:    m.Interface,
		Healthy:   true,
		CheckedAt: now,
	})
	return nil
}

package agent

import (
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/manlab/manlab/internal/protocol"
)

const spoolBatchSize = 100

type netSample struct {
	at time.Time
	rx uint64
	tx uint64
}

// heartbeatLoop sends telemetry on the configured interval. The
// interval is re-read every round because the hub may override it at
// registration.
func (a *Agent) heartbeatLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.heartbeatInterval()):
			a.sendHeartbeat()
		}
	}
}

// sendHeartbeat collects one sample and ships it, spooling when the
// hub is unreachable so no interval goes unrecorded.
func (a *Agent) sendHeartbeat() {
	sample := a.collect()

	if !a.ws.IsConnected() || !a.IsRegistered() {
		a.spoolSample(sample)
		return
	}

	if err := a.ws.SendMessage(protocol.TypeHeartbeat, sample); err != nil {
		a.log.Debug().Err(err).Msg("heartbeat send failed, spooling")
		a.spoolSample(sample)
	}
}

func (a *Agent) spoolSample(sample protocol.TelemetryPayload) {
	if err := a.spool.Enqueue(a.ctx, sample, a.cfg.SpoolMaxSamples); err != nil {
		a.log.Error().Err(err).Msg("failed to spool heartbeat")
	}
}

// collect gathers one telemetry sample. Collector failures degrade to
// zero values rather than skipping the beat.
func (a *Agent) collect() protocol.TelemetryPayload {
	sample := protocol.TelemetryPayload{TakenAt: time.Now().UTC()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemPercent = vm.UsedPercent
		sample.MemUsedBytes = vm.Used
		sample.MemTotalBytes = vm.Total
	}
	if du, err := disk.Usage(a.cfg.DiskMount); err == nil {
		sample.DiskPercent = du.UsedPercent
		sample.DiskUsedBytes = du.Used
		sample.DiskTotalBytes = du.Total
	}
	if uptime, err := host.Uptime(); err == nil {
		sample.UptimeSec = uptime
	}
	sample.CPUTempC = cpuTemperature()
	sample.NetRxRate, sample.NetTxRate = a.netRates()

	if a.cfg.PingTarget != "" {
		sample.PingMs = pingLatency(a.ctx, a.cfg.PingTarget)
	}
	if a.cfg.TopProcessCount > 0 {
		sample.TopProcesses = topProcesses(a.cfg.TopProcessCount)
	}
	return sample
}

// netRates computes bytes/sec for the configured interface from the
// delta against the previous sample. The first call after start or
// after a counter reset establishes a baseline and reports zero.
func (a *Agent) netRates() (rx, tx float64) {
	counters, err := gnet.IOCounters(true)
	if err != nil {
		return 0, 0
	}

	cur := netSample{at: time.Now()}
	found := false
	for _, c := range counters {
		if a.cfg.NetInterface != "" && c.Name != a.cfg.NetInterface {
			continue
		}
		if a.cfg.NetInterface == "" && (c.Name == "lo" || strings.HasPrefix(c.Name, "docker")) {
			continue
		}
		cur.rx += c.BytesRecv
		cur.tx += c.BytesSent
		found = true
	}
	if !found {
		return 0, 0
	}

	a.netMu.Lock()
	defer a.netMu.Unlock()
	prev := a.lastNet
	a.lastNet = &cur

	if prev == nil || cur.rx < prev.rx || cur.tx < prev.tx {
		return 0, 0
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	return float64(cur.rx-prev.rx) / elapsed, float64(cur.tx-prev.tx) / elapsed
}

func cpuTemperature() float64 {
	temps, err := host.SensorsTemperatures()
	if err != nil {
		return 0
	}
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "coretemp") || strings.Contains(key, "cpu") || strings.Contains(key, "k10temp") {
			if t.Temperature > 0 {
				return t.Temperature
			}
		}
	}
	return 0
}

var pingTimeRe = regexp.MustCompile(`time[=<]([0-9.]+)`)

// pingLatency measures round-trip time to target with one system ping.
func pingLatency(ctx context.Context, target string) float64 {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "2", target).Output()
	if err != nil {
		return 0
	}
	m := pingTimeRe.FindSubmatch(out)
	if m == nil {
		return 0
	}
	ms, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0
	}
	return ms
}

func topProcesses(n int) []protocol.ProcessSample {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}

	samples := make([]protocol.ProcessSample, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		cpuPct, _ := p.CPUPercent()
		memPct, _ := p.MemoryPercent()
		samples = append(samples, protocol.ProcessSample{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: float64(memPct),
		})
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].CPUPercent > samples[j].CPUPercent
	})
	if len(samples) > n {
		samples = samples[:n]
	}
	return samples
}

// replaySpool drains spooled heartbeats oldest-first after a
// registration. Samples are acked only after the hub accepted the
// frame; a crash mid-replay re-sends them, which the hub tolerates.
func (a *Agent) replaySpool() {
	if a.spool.Depth() == 0 {
		return
	}
	if !a.replaying.TryLock() {
		return
	}
	defer a.replaying.Unlock()

	a.log.Info().Int("depth", a.spool.Depth()).Msg("replaying spooled heartbeats")

	for {
		if !a.ws.IsConnected() || !a.IsRegistered() {
			return
		}
		batch, err := a.spool.Dequeue(a.ctx, spoolBatchSize)
		if err != nil {
			a.log.Error().Err(err).Msg("spool dequeue failed")
			return
		}
		if len(batch) == 0 {
			return
		}

		ids := make([]int64, 0, len(batch))
		for _, item := range batch {
			if err := a.ws.SendMessage(protocol.TypeHeartbeat, item.Sample); err != nil {
				break
			}
			ids = append(ids, item.ID)
		}
		if len(ids) > 0 {
			if err := a.spool.Ack(a.ctx, ids); err != nil {
				a.log.Error().Err(err).Msg("spool ack failed")
				return
			}
		}
		if len(ids) < len(batch) {
			return
		}
	}
}

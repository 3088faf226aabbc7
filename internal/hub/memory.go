package hub

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryWatcher samples host memory and sheds hub-side caches under
// pressure. High pressure sweeps expired sessions and idle streams;
// critical pressure additionally returns freed heap to the OS.
type MemoryWatcher struct {
	hub *Hub
	log zerolog.Logger

	lastAction time.Time
}

func NewMemoryWatcher(h *Hub) *MemoryWatcher {
	return &MemoryWatcher{
		hub: h,
		log: h.log.With().Str("component", "memory").Logger(),
	}
}

// Run samples until ctx is cancelled.
func (m *MemoryWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(m.hub.cfg.MemCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *MemoryWatcher) check() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.log.Error().Err(err).Msg("memory sample failed")
		return
	}

	switch {
	case vm.UsedPercent >= m.hub.cfg.MemHardPercent:
		m.log.Warn().Float64("used_percent", vm.UsedPercent).Msg("critical memory pressure")
		m.shed()
		debug.FreeOSMemory()
		// Critical pressure ignores the debounce; the next check may
		// act again immediately.
		m.lastAction = time.Time{}

	case vm.UsedPercent >= m.hub.cfg.MemSoftPercent:
		if time.Since(m.lastAction) < m.hub.cfg.MemActionEvery {
			return
		}
		m.log.Warn().Float64("used_percent", vm.UsedPercent).Msg("high memory pressure")
		m.shed()
		m.lastAction = time.Now()
	}
}

// shed drops everything already past its deadline. Live sessions are
// never cut; pressure only accelerates expiry.
func (m *MemoryWatcher) shed() {
	now := time.Now()
	sessions := m.hub.terminals.SweepNow(now) +
		m.hub.logSessions.SweepNow(now) +
		m.hub.fileSessions.SweepNow(now) +
		m.hub.downloads.SweepNow(now)
	streams := m.hub.streams.ExpireIdle(now.Add(-m.hub.cfg.DownloadTTL))

	m.log.Info().
		Int("sessions_swept", sessions).
		Int("streams_expired", streams).
		Msg("memory pressure cleanup")
}

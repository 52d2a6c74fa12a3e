package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const snapshotCacheTTL = 2 * time.Second

// Snapshot is one point-in-time system reading backing the /stats and /about
// scrollback entries.
type Snapshot struct {
	GoVersion     string  `json:"go_version"`
	NumGoroutine  int     `json:"num_goroutine"`
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load_1"`
	MemUsedMB     uint64  `json:"mem_used_mb"`
	MemTotalMB    uint64  `json:"mem_total_mb"`
	MemPercent    float64 `json:"mem_percent"`
	HostOS        string  `json:"host_os"`
	HostPlatform  string  `json:"host_platform"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	TakenAtUnixMs int64   `json:"taken_at_unix_ms"`
}

// Service samples system stats with a small cache so repeated slash commands
// don't hammer the collectors.
type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.hasSnap && time.Now().UnixMilli()-s.snap.TakenAtUnixMs < snapshotCacheTTL.Milliseconds() {
		snap := s.snap
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	snap := Snapshot{
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		TakenAtUnixMs: time.Now().UnixMilli(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug("cpu sample failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemUsedMB = vm.Used / (1 << 20)
		snap.MemTotalMB = vm.Total / (1 << 20)
		snap.MemPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Debug("memory sample failed", "error", err)
	}
	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		snap.HostOS = info.OS
		snap.HostPlatform = info.Platform
		snap.UptimeSeconds = info.Uptime
	}

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()
	return snap
}

// FormatStats renders the snapshot for the stats scrollback entry.
func FormatStats(snap Snapshot) string {
	return fmt.Sprintf(
		"CPU: %.1f%% (%d cores, load %.2f)\nMemory: %d/%d MB (%.1f%%)\nGoroutines: %d (%s)",
		snap.CPUPercent, snap.NumCPU, snap.Load1,
		snap.MemUsedMB, snap.MemTotalMB, snap.MemPercent,
		snap.NumGoroutine, snap.GoVersion,
	)
}

// FormatAbout renders the snapshot plus build info for the about entry.
func FormatAbout(snap Snapshot, version string) string {
	uptime := time.Duration(snap.UptimeSeconds) * time.Second
	return fmt.Sprintf(
		"strand %s\n%s on %s/%s (%s), host up %s",
		version, snap.GoVersion, snap.HostOS, snap.HostPlatform, runtime.GOARCH, uptime,
	)
}

package monitor

import (
	"context"
	"strings"
	"testing"
)

func TestSnapshotPopulatesRuntimeFields(t *testing.T) {
	t.Parallel()

	svc := NewService(nil)
	snap := svc.Snapshot(context.Background())
	if snap.GoVersion == "" || snap.NumCPU <= 0 || snap.TakenAtUnixMs <= 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSnapshotCached(t *testing.T) {
	t.Parallel()

	svc := NewService(nil)
	first := svc.Snapshot(context.Background())
	second := svc.Snapshot(context.Background())
	if first.TakenAtUnixMs != second.TakenAtUnixMs {
		t.Fatalf("snapshot not cached: %d vs %d", first.TakenAtUnixMs, second.TakenAtUnixMs)
	}
}

func TestFormatters(t *testing.T) {
	t.Parallel()

	snap := Snapshot{GoVersion: "go1.25", NumCPU: 8, MemUsedMB: 1024, MemTotalMB: 2048, MemPercent: 50}
	stats := FormatStats(snap)
	if !strings.Contains(stats, "CPU:") || !strings.Contains(stats, "1024/2048 MB") {
		t.Fatalf("stats=%q", stats)
	}
	about := FormatAbout(snap, "1.0.0")
	if !strings.Contains(about, "strand 1.0.0") || !strings.Contains(about, "go1.25") {
		t.Fatalf("about=%q", about)
	}
}

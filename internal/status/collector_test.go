package status

import (
	"os"
	"testing"
	"time"
)

func TestCollectorCollectProcess(t *testing.T) {
	collector := NewCollector()

	m := collector.CollectProcess()
	if m.PID != int32(os.Getpid()) {
		t.Errorf("PID = %v, want %v", m.PID, os.Getpid())
	}
	if m.Goroutines < 1 {
		t.Errorf("Goroutines = %v, want >= 1", m.Goroutines)
	}
	if m.RSSMB < 0 || m.CPUPercent < 0 {
		t.Errorf("negative metrics: %+v", m)
	}
}

func TestCollectorUptime(t *testing.T) {
	collector := NewCollector()
	collector.startTime = time.Now().Add(-90 * time.Second)

	if got := collector.CollectProcess().UptimeSeconds; got < 90 {
		t.Errorf("UptimeSeconds = %v, want >= 90", got)
	}
}

func TestCollectorCollectHost(t *testing.T) {
	info := NewCollector().CollectHost()

	if info.OS == "" {
		t.Error("OS should not be empty")
	}
	if info.Hostname == "" {
		t.Error("Hostname should not be empty")
	}
	if info.MemoryPercent < 0 || info.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, want 0-100", info.MemoryPercent)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst requests should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("a different client should have its own budget")
	}
	if rl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", rl.Len())
	}

	rl.entryTTL = 0
	time.Sleep(time.Millisecond)
	rl.Allow("10.0.0.3")
	if rl.Len() != 1 {
		t.Errorf("Len() after expiry = %d, want 1", rl.Len())
	}
}

package memory

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T, limit int64) (*Monitor, *atomic.Uint64) {
	t.Helper()
	var alloc atomic.Uint64
	m := NewMonitor(Config{LimitBytes: limit, HighWaterMark: 0.5, CriticalWaterMark: 0.8, CheckInterval: time.Hour})
	m.readAlloc = alloc.Load
	t.Cleanup(m.Stop)
	return m, &alloc
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(Config{LimitBytes: 1 << 20, HighWaterMark: 2, CriticalWaterMark: -1})
	def := DefaultConfig()
	if m.config.HighWaterMark != def.HighWaterMark {
		t.Errorf("HighWaterMark = %v, want %v", m.config.HighWaterMark, def.HighWaterMark)
	}
	if m.config.CriticalWaterMark != def.CriticalWaterMark {
		t.Errorf("CriticalWaterMark = %v, want %v", m.config.CriticalWaterMark, def.CriticalWaterMark)
	}
	if m.config.CheckInterval != def.CheckInterval {
		t.Errorf("CheckInterval = %v, want %v", m.config.CheckInterval, def.CheckInterval)
	}
}

func TestMonitor_PauseAndResume(t *testing.T) {
	m, alloc := newTestMonitor(t, 1000)

	tests := []struct {
		alloc  uint64
		paused bool
	}{
		{100, false},
		{799, false},
		{800, true},
		{600, true}, // between the marks: stays paused
		{499, false},
		{700, false}, // between the marks: stays running
	}
	for _, tt := range tests {
		alloc.Store(tt.alloc)
		m.check()
		if got := m.IsPaused(); got != tt.paused {
			t.Errorf("alloc %d: paused = %v, want %v", tt.alloc, got, tt.paused)
		}
	}

	s := m.Stats()
	if s.Alloc != 700 || s.Limit != 1000 || s.Usage != 0.7 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestMonitor_WaitIfPausedBlocksUntilResume(t *testing.T) {
	m, alloc := newTestMonitor(t, 1000)

	if !m.WaitIfPaused() {
		t.Fatal("running monitor should not block")
	}

	alloc.Store(900)
	m.check()

	done := make(chan bool, 1)
	go func() { done <- m.WaitIfPaused() }()

	select {
	case <-done:
		t.Fatal("WaitIfPaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	alloc.Store(100)
	m.check()

	select {
	case ok := <-done:
		if !ok {
			t.Error("WaitIfPaused = false after resume, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIfPaused did not return after resume")
	}
}

func TestMonitor_StopReleasesWaiters(t *testing.T) {
	m, alloc := newTestMonitor(t, 1000)
	alloc.Store(900)
	m.check()

	done := make(chan bool, 1)
	go func() { done <- m.WaitIfPaused() }()

	m.Stop()
	m.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("WaitIfPaused = true after Stop, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not release the waiter")
	}
}

func TestMonitor_NoLimit(t *testing.T) {
	m := NewMonitor(Config{})
	if m.limit != 0 {
		t.Skip("GOMEMLIMIT is set in this environment")
	}
	m.Start()
	defer m.Stop()

	m.check()
	if m.IsPaused() {
		t.Error("monitor without a limit must never pause")
	}
	if !m.WaitIfPaused() {
		t.Error("WaitIfPaused = false without a limit")
	}
}

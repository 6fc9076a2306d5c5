package sysinfo

import (
	"testing"
	"time"
)

func TestNumCPUs(t *testing.T) {
	if n := NumCPUs(); n <= 0 {
		t.Errorf("NumCPUs() = %d, want > 0", n)
	}
}

func TestSystemTotalMemory(t *testing.T) {
	if m := SystemTotalMemory(); m == 0 {
		t.Error("SystemTotalMemory() = 0, want > 0")
	}
}

func TestConsumingMemory(t *testing.T) {
	// Allocate something observable, then probe.
	buf := make([]byte, 1<<20)
	for i := range buf {
		buf[i] = byte(i)
	}
	if m := ConsumingMemoryOfCurrentProcess(); m == 0 {
		t.Log("process RSS probe unavailable on this platform")
	}
	_ = buf
}

func TestTimestampMonotonic(t *testing.T) {
	a := Now()
	time.Sleep(5 * time.Millisecond)
	b := Now()
	if b.Sub(a) <= 0 {
		t.Errorf("timestamps not monotonic: %v", b.Sub(a))
	}
	if b.Wall().Before(a.Wall()) {
		t.Error("wall clock went backwards")
	}
}

package remote

import (
	"testing"
	"time"
)

func TestBackoff_Escalation(t *testing.T) {
	b := NewBackoff(nil, 0)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}
	for i, w := range want {
		delay, stop := b.Failure()
		if stop {
			t.Fatalf("failure %d: stop = true, want false", i+1)
		}
		if delay != w {
			t.Errorf("failure %d: delay = %v, want %v", i+1, delay, w)
		}
	}

	if _, stop := b.Failure(); !stop {
		t.Error("fifth consecutive failure should stop")
	}
	if !b.Stopped() {
		t.Error("Stopped() = false after budget spent")
	}
}

func TestBackoff_DelayClampsToLastEntry(t *testing.T) {
	b := NewBackoff([]time.Duration{time.Second, 2 * time.Second}, 100)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 2 * time.Second},
		{50, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(nil, 3)
	b.Failure()
	b.Failure()
	b.Reset()

	if b.Failures() != 0 {
		t.Errorf("Failures() = %d after Reset, want 0", b.Failures())
	}
	delay, stop := b.Failure()
	if stop || delay != 5*time.Second {
		t.Errorf("Failure() after Reset = (%v, %v), want (5s, false)", delay, stop)
	}
}

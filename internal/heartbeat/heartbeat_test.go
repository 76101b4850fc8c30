package heartbeat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-halink/migrations"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := database.Open(database.Config{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewStore(db)
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		interval int
		want     time.Duration
	}{
		{0, 15 * time.Second},
		{10, 15 * time.Second},
		{1, 1500 * time.Millisecond},
		{60, 90 * time.Second},
		{600, 90 * time.Second},
	}
	for _, tt := range tests {
		if got := Threshold(tt.interval); got != tt.want {
			t.Errorf("Threshold(%d) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestIsAlive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{"just written", now, true},
		{"one interval old", now.Add(-10 * time.Second), true},
		{"just inside threshold", now.Add(-14999 * time.Millisecond), true},
		{"at threshold", now.Add(-15 * time.Second), false},
		{"long stale", now.Add(-time.Hour), false},
		{"never written", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAlive(tt.last, now, 10); got != tt.want {
				t.Errorf("IsAlive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStore_BeatIsLastWriteWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halink.db")
	writer, reader := openStore(t, path), openStore(t, path)
	ctx := context.Background()

	if _, err := reader.Last(ctx, 7); !errors.Is(err, ErrNoHeartbeat) {
		t.Fatalf("Last() before any beat error = %v, want ErrNoHeartbeat", err)
	}

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(10 * time.Second)
	for _, at := range []time.Time{first, second} {
		if err := writer.Beat(ctx, Record{InstanceID: 7, BeatAt: at, Host: "worker-1", PID: 42, Fingerprint: "fp-" + at.Format("150405")}); err != nil {
			t.Fatalf("Beat() error = %v", err)
		}
	}

	rec, err := reader.Last(ctx, 7)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if !rec.BeatAt.Equal(second) || rec.Host != "worker-1" || rec.PID != 42 || rec.Fingerprint != "fp-120010" {
		t.Errorf("Last() = %+v", rec)
	}

	if err := writer.Clear(ctx, 7); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := reader.Last(ctx, 7); !errors.Is(err, ErrNoHeartbeat) {
		t.Errorf("Last() after Clear error = %v, want ErrNoHeartbeat", err)
	}
}

func TestChecker_IsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halink.db")
	store := openStore(t, path)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := NewChecker(openStore(t, path), 10)
	checker.now = func() time.Time { return now }

	if running, err := checker.IsRunning(ctx, 7); err != nil || running {
		t.Errorf("IsRunning() without heartbeat = (%v, %v), want (false, nil)", running, err)
	}

	if err := store.Beat(ctx, Record{InstanceID: 7, BeatAt: now.Add(-12 * time.Second)}); err != nil {
		t.Fatalf("Beat() error = %v", err)
	}
	if running, _ := checker.IsRunning(ctx, 7); !running {
		t.Error("IsRunning() = false for a 12s old heartbeat, want true")
	}

	checker.now = func() time.Time { return now.Add(5 * time.Second) }
	if running, _ := checker.IsRunning(ctx, 7); running {
		t.Error("IsRunning() = true for a 17s old heartbeat, want false")
	}
}

func TestPublisher_BeatsUntilStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halink.db")
	store := openStore(t, path)

	p := NewPublisher(PublisherConfig{InstanceID: 3, IntervalSeconds: 1, Store: store})
	if p.Interval() != time.Second {
		t.Errorf("Interval() = %v, want 1s", p.Interval())
	}
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Last(context.Background(), 3); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("publisher did not write an initial heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.Stop()
	p.Stop()
}

func TestPublisher_IntervalClamped(t *testing.T) {
	tests := []struct {
		in   int
		want time.Duration
	}{
		{0, 10 * time.Second},
		{-5, 10 * time.Second},
		{120, 60 * time.Second},
	}
	for _, tt := range tests {
		p := NewPublisher(PublisherConfig{IntervalSeconds: tt.in})
		if p.Interval() != tt.want {
			t.Errorf("NewPublisher(%d).Interval() = %v, want %v", tt.in, p.Interval(), tt.want)
		}
	}
}

package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/livefeed-project/livefeed/internal/config"
)

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		hhmm string
		want time.Time
	}{
		{"13:00", time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)},
		{"04:00", time.Date(2024, 5, 11, 4, 0, 0, 0, time.UTC)},
		{"12:30", time.Date(2024, 5, 11, 12, 30, 0, 0, time.UTC)},
		{"garbage", time.Date(2024, 5, 11, 4, 0, 0, 0, time.UTC)},
		{"25:00", time.Date(2024, 5, 11, 4, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextRun(now, tt.hhmm); !got.Equal(tt.want) {
			t.Errorf("nextRun(%q) = %v, want %v", tt.hhmm, got, tt.want)
		}
	}
}

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePurger) Purge(cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestRunCleanup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.RetentionDays = 14
	now := time.Date(2024, 5, 10, 4, 0, 0, 0, time.UTC)

	p := &fakePurger{n: 3}
	s := NewScheduler(cfg, p)
	s.now = func() time.Time { return now }

	n, err := s.RunCleanup()
	if err != nil || n != 3 {
		t.Fatalf("RunCleanup() = %d, %v", n, err)
	}
	if want := now.AddDate(0, 0, -14); !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}

	p.err = errors.New("disk full")
	if _, err := s.RunCleanup(); err == nil {
		t.Error("RunCleanup() swallowed purge error")
	}
}

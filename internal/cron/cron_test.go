package cron

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/ambient/internal/journal"
	"github.com/stellarlinkco/ambient/internal/scheduler"
)

func TestService_AddValidatesExpr(t *testing.T) {
	s := NewService()
	defer s.Stop()

	if err := s.Add("bad", "not a schedule", func(context.Context) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for invalid expression")
	}
	ok := func(context.Context) (string, error) { return "ok", nil }
	if err := s.Add("prune", "0 30 4 * * *", ok); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Add("prune", "@every 1m", ok); err == nil {
		t.Error("duplicate name should be rejected")
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].Expr != "0 30 4 * * *" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := NewService()
	defer s.Stop()

	calls := 0
	s.Add("flaky", "@every 1h", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("db locked")
		}
		return "fine", nil
	})

	if _, err := s.RunNow(context.Background(), "flaky"); err == nil {
		t.Fatal("first run should fail")
	}
	st := s.Jobs()[0]
	if st.LastStatus != "error" || st.LastError != "db locked" || st.Runs != 1 {
		t.Errorf("state after failure = %+v", st)
	}

	if res, err := s.RunNow(context.Background(), "flaky"); err != nil || res != "fine" {
		t.Fatalf("second run = %q, %v", res, err)
	}
	st = s.Jobs()[0]
	if st.LastStatus != "ok" || st.LastError != "" || st.LastResult != "fine" || st.Runs != 2 {
		t.Errorf("state after success = %+v", st)
	}

	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("unknown job should error")
	}
}

func TestService_ScheduledRun(t *testing.T) {
	s := NewService()
	var runs atomic.Int32
	s.Add("tick", "@every 1s", func(context.Context) (string, error) {
		runs.Add(1)
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	s.Stop()
	if runs.Load() == 0 {
		t.Error("scheduled job never ran")
	}
}

func TestEveryExpr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5m", "@every 5m0s", false},
		{"@hourly", "@hourly", false},
		{"0 */5 * * * *", "0 */5 * * * *", false},
		{"", "", true},
		{"soon", "", true},
		{"10ms", "", true},
	}
	for _, tt := range tests {
		got, err := EveryExpr(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("EveryExpr(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestHousekeepingJobs(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	j.Record(ctx, scheduler.Entry{ID: "old", At: now.Add(-30 * 24 * time.Hour), Digest: "old"})
	j.Record(ctx, scheduler.Entry{ID: "new", At: now.Add(-time.Hour), Digest: "new", ParsedOK: true})

	res, err := PruneJob(j, 14*24*time.Hour, func() time.Time { return now })(ctx)
	if err != nil || !strings.HasPrefix(res, "pruned 1 rows") {
		t.Fatalf("prune = %q, %v", res, err)
	}
	res, err = StatsJob(j)(ctx)
	if err != nil || !strings.Contains(res, "entries=1 degraded=0") {
		t.Errorf("stats = %q, %v", res, err)
	}
}

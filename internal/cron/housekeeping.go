package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/journal"
)

const (
	JobJournalPrune = "journal-prune"
	JobJournalStats = "journal-stats"
)

// PruneJob deletes journal rows older than retention.
func PruneJob(j *journal.Journal, retention time.Duration, now func() time.Time) JobFunc {
	return func(ctx context.Context) (string, error) {
		cutoff := now().Add(-retention)
		n, err := j.Prune(ctx, cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d rows older than %s", n, cutoff.Format(time.RFC3339)), nil
	}
}

// StatsJob reports journal totals.
func StatsJob(j *journal.Journal) JobFunc {
	return func(ctx context.Context) (string, error) {
		st, err := j.Stats(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("entries=%d degraded=%d escalations=%d failed_sends=%d tokens_in=%d tokens_out=%d",
			st.Entries, st.Degraded, st.Escalations, st.FailedSends, st.InputTokens, st.OutputTokens), nil
	}
}

// EveryExpr turns a duration string such as "5m" into a cron descriptor.
// Values that already look like cron expressions pass through.
func EveryExpr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty schedule")
	}
	if strings.HasPrefix(s, "@") || strings.Contains(s, " ") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("parse interval %q: %w", s, err)
	}
	if d < time.Second {
		return "", fmt.Errorf("interval %s below one second", d)
	}
	return "@every " + d.String(), nil
}

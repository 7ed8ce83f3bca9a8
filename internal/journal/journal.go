// Package journal persists completed analyses and escalation outcomes in
// sqlite so history survives restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/ambient/internal/analyzer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/scheduler"
)

const schemaVersion = 1

type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Stats summarizes the journal contents.
type Stats struct {
	Entries      int64     `json:"entries"`
	Degraded     int64     `json:"degraded"`
	Escalations  int64     `json:"escalations"`
	FailedSends  int64     `json:"failedSends"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Oldest       time.Time `json:"oldest,omitempty"`
	Newest       time.Time `json:"newest,omitempty"`
}

func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			at_ms INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			hud TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL DEFAULT '',
			commands TEXT NOT NULL DEFAULT '[]',
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			parsed_ok INTEGER NOT NULL DEFAULT 1,
			preset TEXT NOT NULL DEFAULT '',
			feed_version INTEGER NOT NULL DEFAULT 0,
			sense_version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_at ON entries(at_ms)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			trigger_name TEXT NOT NULL DEFAULT '',
			score INTEGER NOT NULL DEFAULT 0,
			route TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_at ON escalations(at_ms)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record stores one entry. Re-recording the same id is a no-op.
func (j *Journal) Record(ctx context.Context, e scheduler.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	commands, err := json.Marshal(e.Commands)
	if err != nil {
		return fmt.Errorf("encode commands: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entries (id, at_ms, reason, hud, digest, commands, model,
			input_tokens, output_tokens, latency_ms, parsed_ok, preset, feed_version, sense_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.At.UnixMilli(), e.Reason, e.HUD, e.Digest, string(commands), e.Model,
		e.InputTokens, e.OutputTokens, e.Latency.Milliseconds(), boolToInt(e.ParsedOK), e.Preset,
		int64(e.FeedVersion), int64(e.SenseVersion))
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

// RecordEscalation stores the outcome of one delivery attempt.
func (j *Journal) RecordEscalation(ctx context.Context, ev bus.EscalationSent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO escalations (at_ms, trigger_name, score, route, digest, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.At.UnixMilli(), ev.Trigger, ev.Score, ev.Route, ev.Digest, ev.Err)
	if err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest entries, oldest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]scheduler.Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ms, reason, hud, digest, commands, model, input_tokens, output_tokens,
		       latency_ms, parsed_ok, preset, feed_version, sense_version
		FROM (SELECT rowid AS rid, * FROM entries ORDER BY at_ms DESC, rowid DESC LIMIT ?)
		ORDER BY at_ms ASC, rid ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search returns entries whose digest or HUD line contains text, newest
// first.
func (j *Journal) Search(ctx context.Context, text string, limit int) ([]scheduler.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(text) + "%"
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at_ms, reason, hud, digest, commands, model, input_tokens, output_tokens,
		       latency_ms, parsed_ok, preset, feed_version, sense_version
		FROM entries
		WHERE digest LIKE ? ESCAPE '\' OR hud LIKE ? ESCAPE '\'
		ORDER BY at_ms DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Prune deletes entries and escalations older than before and reports how
// many rows went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"entries", "escalations"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE at_ms < ?`, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(CASE WHEN parsed_ok = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       MIN(at_ms), MAX(at_ms)
		FROM entries
	`).Scan(&st.Entries, &st.Degraded, &st.InputTokens, &st.OutputTokens, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("entry stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64).UTC()
		st.Newest = time.UnixMilli(newest.Int64).UTC()
	}

	err = j.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0)
		FROM escalations
	`).Scan(&st.Escalations, &st.FailedSends)
	if err != nil {
		return Stats{}, fmt.Errorf("escalation stats: %w", err)
	}
	return st, nil
}

func scanEntries(rows *sql.Rows) ([]scheduler.Entry, error) {
	result := make([]scheduler.Entry, 0)
	for rows.Next() {
		var (
			e         scheduler.Entry
			atMs      int64
			latencyMs int64
			parsedOK  int
			commands  string
			feedVer   int64
			senseVer  int64
		)
		if err := rows.Scan(&e.ID, &atMs, &e.Reason, &e.HUD, &e.Digest, &commands, &e.Model,
			&e.InputTokens, &e.OutputTokens, &latencyMs, &parsedOK, &e.Preset, &feedVer, &senseVer); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		e.ParsedOK = parsedOK == 1
		e.FeedVersion = uint64(feedVer)
		e.SenseVersion = uint64(senseVer)
		var cmds []analyzer.Command
		if err := json.Unmarshal([]byte(commands), &cmds); err == nil && len(cmds) > 0 {
			e.Commands = cmds
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Package sqlite 将运行报告持久化到 SQLite（runs/results/facts/errors 四表）。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"llmdx/pkg/contract"
)

// Schema 为报告表结构；New 时自动应用。
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	cancelled INTEGER NOT NULL,
	labels_processed INTEGER NOT NULL,
	labels_unmatched INTEGER NOT NULL,
	candidates_attempted INTEGER NOT NULL,
	successes INTEGER NOT NULL,
	failures_json TEXT NOT NULL,
	transform_json TEXT
);
CREATE TABLE IF NOT EXISTS results (
	run_id TEXT NOT NULL,
	pos INTEGER NOT NULL,
	label TEXT NOT NULL,
	anchor_from INTEGER NOT NULL,
	anchor_to INTEGER NOT NULL,
	truncated INTEGER NOT NULL,
	PRIMARY KEY (run_id, pos)
);
CREATE TABLE IF NOT EXISTS facts (
	run_id TEXT NOT NULL,
	label TEXT NOT NULL,
	sector TEXT NOT NULL,
	field TEXT NOT NULL,
	value_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	run_id TEXT NOT NULL,
	label TEXT NOT NULL,
	sector TEXT NOT NULL,
	subsection TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_run ON facts(run_id, label);
CREATE INDEX IF NOT EXISTS idx_errors_run ON errors(run_id);
`

// Options: SQLite 报告存储配置。
type Options struct {
	// Path: 数据库文件路径；":memory:" 仅用于测试。
	Path string `json:"path"`
}

// Sink 实现 contract.ReportSink。
// 约束：同一 run_id 重复保存时整体替换（单事务）。
type Sink struct {
	db *sql.DB
}

// New 打开数据库并建表。
func New(raw json.RawMessage) (*Sink, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("sqlite sink options: %w", err)
		}
	}
	if strings.TrimSpace(o.Path) == "" {
		return nil, fmt.Errorf("sqlite sink: %w: path required", contract.ErrInvalidInput)
	}
	if o.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", o.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// DB 返回底层连接（只读查询用）。
func (s *Sink) DB() *sql.DB { return s.db }

// Close 关闭数据库。
func (s *Sink) Close() error { return s.db.Close() }

// Save 在单个事务内写入报告。
func (s *Sink) Save(ctx context.Context, r *contract.Report) (err error) {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("sqlite sink: %w: report without run id", contract.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, t := range []string{"runs", "results", "facts", "errors"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+t+" WHERE run_id = ?", r.RunID); err != nil {
			return fmt.Errorf("sqlite clear %s: %w", t, err)
		}
	}

	failures, _ := json.Marshal(r.Stats.FailuresByKind)
	var transform sql.NullString
	if r.Transform != nil {
		b, _ := json.Marshal(r.Transform)
		transform = sql.NullString{String: string(b), Valid: true}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO runs (run_id, doc_id, started_at, finished_at, cancelled,
		labels_processed, labels_unmatched, candidates_attempted, successes, failures_json, transform_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.DocID), r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano), boolInt(r.Cancelled),
		r.Stats.LabelsProcessed, r.Stats.LabelsUnmatched, r.Stats.CandidatesAttempted, r.Stats.Successes, string(failures), transform); err != nil {
		return fmt.Errorf("sqlite insert run: %w", err)
	}

	for i, res := range r.Results {
		if _, err = tx.ExecContext(ctx, `INSERT INTO results (run_id, pos, label, anchor_from, anchor_to, truncated) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, i, res.Label, res.AnchorFrom, res.AnchorTo, boolInt(res.Truncated)); err != nil {
			return fmt.Errorf("sqlite insert result: %w", err)
		}
		for _, sector := range sortedKeys(res.PerTemplateFacts) {
			facts := res.PerTemplateFacts[sector]
			for _, field := range sortedKeys(facts) {
				v, mErr := json.Marshal(facts[field])
				if mErr != nil {
					err = fmt.Errorf("sqlite fact %s.%s: %w", sector, field, mErr)
					return err
				}
				if _, err = tx.ExecContext(ctx, `INSERT INTO facts (run_id, label, sector, field, value_json) VALUES (?, ?, ?, ?, ?)`,
					r.RunID, res.Label, sector, field, string(v)); err != nil {
					return fmt.Errorf("sqlite insert fact: %w", err)
				}
			}
		}
	}
	for _, e := range r.Errors {
		if _, err = tx.ExecContext(ctx, `INSERT INTO errors (run_id, label, sector, subsection, kind, message) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, e.Label, e.Sector, e.Subsection, string(e.Kind), e.Message); err != nil {
			return fmt.Errorf("sqlite insert error: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ contract.ReportSink = (*Sink)(nil)

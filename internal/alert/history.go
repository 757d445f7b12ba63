package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	transition TEXT NOT NULL,
	ts TEXT NOT NULL,
	processes TEXT,
	alerted INTEGER NOT NULL,
	reason TEXT
);
CREATE INDEX IF NOT EXISTS events_ts ON events(ts);
`

// 定宽时间格式，字符串顺序即时间顺序
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record 历史中的一条事件
type Record struct {
	ID         string
	DeviceID   string
	Kind       string
	Transition string
	Timestamp  time.Time
	Processes  []string // 进程名
	Alerted    bool
	Reason     string
}

// HistoryStore 把所有事件 (包括被规则静默的) 写进 SQLite
type HistoryStore struct {
	db *sql.DB
}

// NewHistory db 通常与规则库共用
func NewHistory(db *sql.DB) (*HistoryStore, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

func (h *HistoryStore) Dispatch(ctx context.Context, n Notification) error {
	p := toPayload(n)
	procs, err := json.Marshal(p.Processes)
	if err != nil {
		return fmt.Errorf("encode processes: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO events(id, device_id, kind, transition, ts, processes, alerted, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.Device.ID, p.Device.Kind, p.Transition, n.Event.Timestamp.UTC().Format(tsLayout), string(procs), n.Alert, n.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent 最近的 limit 条事件，新的在前
func (h *HistoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT id, device_id, kind, transition, ts, COALESCE(processes, '[]'), alerted, COALESCE(reason, '') FROM events ORDER BY ts DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, procs string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Kind, &r.Transition, &ts, &procs, &r.Alerted, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Timestamp, _ = time.Parse(tsLayout, ts)
		var pp []processPayload
		if err := json.Unmarshal([]byte(procs), &pp); err == nil {
			for _, p := range pp {
				r.Processes = append(r.Processes, p.Name)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

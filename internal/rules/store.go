// Package rules 决定一个设备事件是否需要告警：允许列表里的程序静默，拒绝列表里的程序可以被阻断
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Action 规则动作
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// AnyKind 匹配所有设备类别
const AnyKind = "*"

var (
	ErrInvalidRule = errors.New("invalid rule")
	ErrNotFound    = errors.New("rule not found")
)

// Rule 一条 (类别, 可执行文件路径) 规则
type Rule struct {
	Kind      string
	Path      string
	Action    Action
	Reason    string
	CreatedAt time.Time
}

// Verdict Evaluate 的结论
type Verdict struct {
	Alert  bool
	Block  bool // 仅对外接设备的激活事件
	Reason string
}

type Options struct {
	DisableInactive bool // 不对设备关闭告警
	Logger          *zap.Logger
}

type Store struct {
	db   *sql.DB
	opts Options
}

// 联合主键 (kind, path)：一个程序对一种设备只有一条规则
const schema = `
CREATE TABLE IF NOT EXISTS rules (
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, path)
);
`

// Open 打开 (必要时创建) 规则数据库
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

// DB 与事件历史共用同一个数据库
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Set 添加或替换规则
func (s *Store) Set(ctx context.Context, kind, path string, action Action, reason string) error {
	if err := validate(kind, path, action); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO rules(kind, path, action, reason) VALUES (?, ?, ?, ?)",
		kind, path, string(action), reason,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	s.opts.Logger.Info("Rule saved", zap.String("kind", kind), zap.String("path", path), zap.String("action", string(action)))
	return nil
}

// Allow "总是允许"：该程序使用此类设备时不再告警
func (s *Store) Allow(ctx context.Context, kind, path, reason string) error {
	return s.Set(ctx, kind, path, Allow, reason)
}

// Deny 该程序使用外接设备时阻断设备
func (s *Store) Deny(ctx context.Context, kind, path, reason string) error {
	return s.Set(ctx, kind, path, Deny, reason)
}

func (s *Store) Remove(ctx context.Context, kind, path string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rules WHERE kind = ? AND path = ?", kind, path)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, path)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, path, action, COALESCE(reason, ''), created_at FROM rules ORDER BY kind, path")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var action, created string
		if err := rows.Scan(&r.Kind, &r.Path, &action, &r.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Action = Action(action)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// lookup 精确类别优先于 *
func (s *Store) lookup(ctx context.Context, kind model.DeviceKind, path string) (Action, bool, error) {
	var action string
	err := s.db.QueryRowContext(ctx,
		"SELECT action FROM rules WHERE path = ? AND kind IN (?, ?) ORDER BY kind = ? LIMIT 1",
		path, string(kind), AnyKind, AnyKind,
	).Scan(&action)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query rule: %w", err)
	}
	return Action(action), true, nil
}

// Evaluate 查询失败时按告警处理 (默认告警)
func (s *Store) Evaluate(ctx context.Context, ev model.DeviceEvent) Verdict {
	if ev.Transition == model.Deactivated && s.opts.DisableInactive {
		return Verdict{Reason: "inactive alerts disabled"}
	}

	allowed := 0
	for _, p := range ev.Processes {
		// 无法归属的进程永远不能被允许
		if p.IsUnknown() || p.Path == "" {
			continue
		}
		action, ok, err := s.lookup(ctx, ev.Device.Kind, p.Path)
		if err != nil {
			s.opts.Logger.Warn("rule lookup failed", zap.String("path", p.Path), zap.Error(err))
			return Verdict{Alert: true, Reason: "rule lookup failed"}
		}
		if !ok {
			continue
		}
		switch action {
		case Deny:
			v := Verdict{Alert: true, Reason: fmt.Sprintf("%s is denied", p.Path)}
			v.Block = ev.Transition == model.Activated && ev.Device.External
			return v
		case Allow:
			allowed++
		}
	}
	if len(ev.Processes) > 0 && allowed == len(ev.Processes) {
		return Verdict{Reason: "all processes allowed"}
	}
	return Verdict{Alert: true}
}

// parseTime CURRENT_TIMESTAMP 存的是 UTC "2006-01-02 15:04:05"
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func validate(kind, path string, action Action) error {
	if kind != AnyKind {
		if _, err := model.ParseKind(kind); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path %q must be absolute", ErrInvalidRule, path)
	}
	if action != Allow && action != Deny {
		return fmt.Errorf("%w: action %q", ErrInvalidRule, action)
	}
	return nil
}

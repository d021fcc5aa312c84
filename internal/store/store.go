// Package store 负责订单事件日志、资金曲线与上下文汇总的持久化。
// SQLite 落盘用于正式运行，内存实现用于测试。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"

	_ "modernc.org/sqlite"
)

// SQLStore 管理 order_events/equity_points/context_summaries 三张表。
// 事件日志只追加；汇总按上下文名 upsert。
type SQLStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开（必要时创建）指定目录下的 engine.db。
func Open(root string) (*SQLStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store: root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "engine.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// Close 关闭底层连接。
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// 金额一律存 TEXT：事件日志是对账的事实来源，REAL 会丢精度。
func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			context TEXT NOT NULL,
			event_type TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			status TEXT NOT NULL,
			filled_quantity TEXT NOT NULL,
			average_fill_price TEXT NOT NULL,
			message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			context TEXT NOT NULL,
			equity TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS context_summaries (
			context TEXT PRIMARY KEY,
			realized_pnl TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			equity TEXT NOT NULL,
			trade_count INTEGER NOT NULL,
			win_rate REAL NOT NULL,
			weight REAL NOT NULL,
			suspended INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_context ON order_events(context, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_context ON equity_points(context, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordEvent 追加一条订单事件。
func (s *SQLStore) RecordEvent(ev types.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO order_events
			(ts, context, event_type, order_id, symbol, side, order_type,
			quantity, price, status, filled_quantity, average_fill_price, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.Context, string(ev.Type), ev.OrderID, ev.Symbol,
		string(ev.Side), string(ev.OrderType), ev.Quantity.String(), ev.Price.String(),
		string(ev.Status), ev.FilledQty.String(), ev.AvgPrice.String(), ev.Message)
	return err
}

// RecordEquity 追加一个资金曲线采样点。
func (s *SQLStore) RecordEquity(p types.EquityPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO equity_points (ts, context, equity) VALUES (?, ?, ?)`,
		p.Timestamp.UnixMilli(), p.Context, p.Equity.String())
	return err
}

// RecordSummary 按上下文名 upsert 汇总。
func (s *SQLStore) RecordSummary(sum types.ContextSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO context_summaries
			(context, realized_pnl, unrealized_pnl, equity, trade_count, win_rate, weight, suspended, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context) DO UPDATE SET
			realized_pnl=excluded.realized_pnl,
			unrealized_pnl=excluded.unrealized_pnl,
			equity=excluded.equity,
			trade_count=excluded.trade_count,
			win_rate=excluded.win_rate,
			weight=excluded.weight,
			suspended=excluded.suspended,
			updated_at=excluded.updated_at`,
		sum.Context, sum.RealizedPnL.String(), sum.UnrealizedPnL.String(), sum.Equity.String(),
		sum.TradeCount, sum.WinRate, sum.Weight, boolToInt(sum.Suspended), time.Now().UnixMilli())
	return err
}

// ListEvents 按时间升序返回指定上下文的事件，limit ≤ 0 表示不限。
func (s *SQLStore) ListEvents(ctx context.Context, name string, limit int) ([]types.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ts, context, event_type, order_id, symbol, side, order_type,
			quantity, price, status, filled_quantity, average_fill_price, COALESCE(message, '')
		FROM order_events`
	args := []any{}
	if name != "" {
		query += ` WHERE context = ?`
		args = append(args, name)
	}
	query += ` ORDER BY ts, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.OrderEvent
	for rows.Next() {
		var (
			ev                              types.OrderEvent
			ts                              int64
			qty, price, filledQty, avgPrice string
		)
		err := rows.Scan(&ts, &ev.Context, &ev.Type, &ev.OrderID, &ev.Symbol, &ev.Side,
			&ev.OrderType, &qty, &price, &ev.Status, &filledQty, &avgPrice, &ev.Message)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		if ev.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if ev.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if ev.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
			return nil, err
		}
		if ev.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListEquity 按时间升序返回指定上下文的资金曲线。
func (s *SQLStore) ListEquity(ctx context.Context, name string) ([]types.EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ts, context, equity FROM equity_points`
	args := []any{}
	if name != "" {
		query += ` WHERE context = ?`
		args = append(args, name)
	}
	query += ` ORDER BY ts, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EquityPoint
	for rows.Next() {
		var (
			p      types.EquityPoint
			ts     int64
			equity string
		)
		if err := rows.Scan(&ts, &p.Context, &equity); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		if p.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListSummaries 返回全部上下文汇总，按名字排序。
func (s *SQLStore) ListSummaries(ctx context.Context) ([]types.ContextSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT context, realized_pnl, unrealized_pnl, equity, trade_count, win_rate, weight, suspended
		FROM context_summaries ORDER BY context`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ContextSummary
	for rows.Next() {
		var (
			sum                          types.ContextSummary
			realized, unrealized, equity string
			suspended                    int
		)
		err := rows.Scan(&sum.Context, &realized, &unrealized, &equity,
			&sum.TradeCount, &sum.WinRate, &sum.Weight, &suspended)
		if err != nil {
			return nil, err
		}
		if sum.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, err
		}
		if sum.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
			return nil, err
		}
		if sum.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, err
		}
		sum.Suspended = suspended != 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

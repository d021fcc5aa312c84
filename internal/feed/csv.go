package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/types"
)

// CSVSource 从 CSV 流式读取 tick。期望表头 timestamp,symbol,price,volume，
// 时间戳为 RFC3339 或 Unix 秒。volume 列可缺省。
type CSVSource struct {
	r      *csv.Reader
	closer io.Closer
	cols   map[string]int
	line   int
}

// OpenCSV 打开 CSV 文件并校验表头。
func OpenCSV(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feed: 打开 %s 失败: %w", path, err)
	}
	src, err := NewCSVSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewCSVSource 从任意 reader 构建 CSV 来源。
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("feed: 读取 CSV 表头失败: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "symbol", "price"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("feed: CSV 缺少 %q 列, got %v", required, header)
		}
	}
	return &CSVSource{r: cr, cols: cols, line: 1}, nil
}

// Next 读取下一行并解析为 tick。
func (s *CSVSource) Next(ctx context.Context) (types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return types.Tick{}, err
	}
	record, err := s.r.Read()
	if err == io.EOF {
		return types.Tick{}, ErrExhausted
	}
	if err != nil {
		return types.Tick{}, fmt.Errorf("feed: CSV 读取失败: %w", err)
	}
	s.line++

	ts, err := parseTime(record[s.cols["timestamp"]])
	if err != nil {
		return types.Tick{}, fmt.Errorf("feed: 第 %d 行时间戳非法: %w", s.line, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[s.cols["price"]]))
	if err != nil {
		return types.Tick{}, fmt.Errorf("feed: 第 %d 行价格非法: %w", s.line, err)
	}
	volume := decimal.Zero
	if i, ok := s.cols["volume"]; ok && i < len(record) && strings.TrimSpace(record[i]) != "" {
		volume, err = decimal.NewFromString(strings.TrimSpace(record[i]))
		if err != nil {
			return types.Tick{}, fmt.Errorf("feed: 第 %d 行成交量非法: %w", s.line, err)
		}
	}

	t := types.Tick{
		Timestamp: ts,
		Symbol:    strings.TrimSpace(record[s.cols["symbol"]]),
		Price:     price,
		Volume:    volume,
	}
	if err := t.Validate(); err != nil {
		return types.Tick{}, fmt.Errorf("feed: 第 %d 行: %w", s.line, err)
	}
	return t, nil
}

// Close 释放底层文件（若有）。
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	var unix int64
	if _, err := fmt.Sscanf(raw, "%d", &unix); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", raw)
}

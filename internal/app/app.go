// Package app 负责应用级编排：加载配置 → 装配策略/执行/存储 → 驱动
// tick 循环与查询服务。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradesim/internal/api"
	"tradesim/internal/config"
	"tradesim/internal/coordinator"
	"tradesim/internal/exec"
	"tradesim/internal/feed"
	"tradesim/internal/logger"
	"tradesim/internal/store"
	"tradesim/internal/strategy"
	"tradesim/internal/types"
)

// App 把全部组件装配为一个可运行的引擎。
type App struct {
	cfg    *config.Config
	coord  *coordinator.Coordinator
	source feed.Source
	st     *store.SQLStore
	api    *api.Server
}

// New 根据配置构建应用（不启动）。source 为 nil 时按配置打开 CSV 来源。
func New(cfg *config.Config, source feed.Source) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	logger.SetLevel(cfg.Log.Level)

	var (
		st  *store.SQLStore
		rec coordinator.Recorder
	)
	if cfg.Store.Root != "" {
		var err error
		st, err = store.Open(cfg.Store.Root)
		if err != nil {
			return nil, fmt.Errorf("app: 打开存储失败: %w", err)
		}
		rec = st
	}

	var executor coordinator.Executor
	if cfg.Execution.Mode == "book" {
		executor = exec.NewBookExecutor()
	} else {
		sim, err := exec.NewSimulator(cfg.ExecConfig())
		if err != nil {
			return nil, err
		}
		executor = sim
	}

	coord, err := coordinator.New(cfg.CoordinatorConfig(), executor, rec)
	if err != nil {
		return nil, err
	}

	registry := strategy.NewDefaultRegistry()
	for _, spec := range cfg.Contexts {
		strat, err := registry.Build(spec.Strategy, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("app: context %q: %w", spec.Name, err)
		}
		_, err = coord.AddContext(coordinator.ContextSpec{
			Name:        spec.Name,
			Symbol:      spec.Symbol,
			Strategy:    strat,
			Limits:      spec.Risk.Limits(),
			InitialCash: decimal.NewFromFloat(spec.InitialCash),
			BaseQty:     decimal.NewFromFloat(spec.BaseQty),
			Guard:       spec.Risk.GuardConfig(),
		})
		if err != nil {
			return nil, err
		}
	}

	if source == nil {
		if cfg.Feed.CSV == "" {
			return nil, fmt.Errorf("app: 未提供数据来源（feed.csv 为空）")
		}
		src, err := feed.OpenCSV(cfg.Feed.CSV)
		if err != nil {
			return nil, err
		}
		source = src
	}

	a := &App{cfg: cfg, coord: coord, source: source, st: st}
	if cfg.API.Enabled {
		if st == nil {
			return nil, fmt.Errorf("app: 启用 API 需要配置 store.root")
		}
		srv, err := api.NewServer(api.Config{
			Addr:  cfg.API.Addr,
			Store: st,
			Status: func() api.Status {
				return api.Status{Ticks: coord.Ticks(), Contexts: coord.Summaries()}
			},
		})
		if err != nil {
			return nil, err
		}
		a.api = srv
	}
	return a, nil
}

// Run 驱动 tick 循环直到数据耗尽或 ctx 取消；查询服务（若启用）随行。
// 取消时在途 tick 处理完毕后落最终快照与汇总。
func (a *App) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	loopCtx, stop := context.WithCancel(gctx)
	defer stop()

	if a.api != nil {
		group.Go(func() error {
			if err := a.api.Start(loopCtx); err != nil {
				return fmt.Errorf("app: api server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer stop()
		return a.loop(loopCtx)
	})

	err := group.Wait()
	if a.st != nil {
		if cerr := a.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (a *App) loop(ctx context.Context) error {
	last := time.Now().UTC()
	for {
		t, err := a.source.Next(ctx)
		if errors.Is(err, feed.ErrExhausted) {
			logger.Infof("数据耗尽，共处理 %d 个 tick", a.coord.Ticks())
			break
		}
		if errors.Is(err, context.Canceled) {
			logger.Infof("收到停机信号，停止消费")
			break
		}
		if err != nil {
			return err
		}
		if err := a.coord.OnTick(t); err != nil {
			return err
		}
		last = t.Timestamp
	}

	if err := a.coord.Flush(last); err != nil {
		return err
	}
	a.printSummaries()
	return nil
}

// Summaries 返回各上下文的当前汇总。
func (a *App) Summaries() []types.ContextSummary { return a.coord.Summaries() }

// Coordinator 暴露底层协调器，供测试与回放使用。
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

func (a *App) printSummaries() {
	for _, s := range a.coord.Summaries() {
		logger.Infof("context=%s equity=%s realized=%s unrealized=%s trades=%d win_rate=%.2f weight=%.3f suspended=%v",
			s.Context, s.Equity, s.RealizedPnL, s.UnrealizedPnL, s.TradeCount, s.WinRate, s.Weight, s.Suspended)
	}
}

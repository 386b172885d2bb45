package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradebot/internal/analytics"
	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/engine"
	"tradebot/internal/ledger"
	"tradebot/internal/marketdata"
	"tradebot/internal/monitor"
	"tradebot/internal/risk"
	"tradebot/internal/signal"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

// App 把配置装配成可运行的交易进程:券商适配器、账本、
// 风控、策略、引擎与监控服务。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	engine *engine.Engine
	server *monitor.Server
}

// New 按配置装配整个进程。任何一环装配失败都直接返回错误,
// 配置问题属于致命错误,进程不应带病启动。
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	data, orders, err := buildBroker(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gateway := marketdata.New(data, logger)

	fillStore, err := ledger.NewSQLiteFillStore(st.DB())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化成交存储失败: %w", err)
	}
	book, err := ledger.New(cfg.Trading.InitialCash, fillStore, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化账本失败: %w", err)
	}

	location := time.UTC
	if cfg.Scheduler.Timezone != "" {
		location, err = time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("解析时区失败: %w", err)
		}
	}
	tracker, err := risk.NewDailyTracker(st.DB(), cfg.Risk.DailyResetHour, cfg.Risk.MaxDailyLoss, location, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化日度风控失败: %w", err)
	}

	provider, err := buildStrategy(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hub := monitor.NewHub(logger)
	service, err := monitor.NewService(st, hub, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	eng, err := engine.New(cfg, gateway, orders, book, tracker, provider, service, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化引擎失败: %w", err)
	}

	server := monitor.NewServer(cfg.Server, service, hub,
		func() ledger.PortfolioSnapshot { return book.Snapshot(nil) },
		func() (analytics.Report, error) {
			fills, err := book.Fills()
			if err != nil {
				return analytics.Report{}, err
			}
			return analytics.Compute(fills, cfg.Trading.InitialCash), nil
		},
		logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		engine: eng,
		server: server,
	}, nil
}

// buildBroker 按 driver 选择券商适配器。paper 模式复用真实行情,
// 撮合在本地模拟。
func buildBroker(cfg *config.Config, logger *zap.Logger) (broker.MarketDataClient, broker.OrderClient, error) {
	switch cfg.Broker.Driver {
	case "ccxt":
		client, err := broker.NewCCXTClient(cfg.Broker, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化 ccxt 适配器失败: %w", err)
		}
		return client, client, nil
	case "rest":
		client := broker.NewRESTClient(cfg.Broker, logger)
		return client, client, nil
	case "paper":
		var data broker.MarketDataClient
		if cfg.Broker.BaseURL != "" {
			data = broker.NewRESTClient(cfg.Broker, logger)
		} else {
			client, err := broker.NewCCXTClient(cfg.Broker, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("初始化行情客户端失败: %w", err)
			}
			data = client
		}
		return data, broker.NewPaperClient(data, logger), nil
	default:
		return nil, nil, fmt.Errorf("未知的券商驱动: %q", cfg.Broker.Driver)
	}
}

// buildStrategy 按配置组装启用的信号源并做加权合成。
func buildStrategy(cfg *config.Config, logger *zap.Logger) (signal.Provider, error) {
	var providers []signal.Provider
	for _, name := range cfg.Strategy.Enabled {
		switch name {
		case "sma_crossover":
			providers = append(providers, strategy.NewSMACrossover())
		case "vwap_reversion":
			providers = append(providers, strategy.NewVWAPReversion())
		case "sentiment":
			sentiment, err := strategy.NewSentiment(cfg.Sentiment, logger)
			if err != nil {
				return nil, fmt.Errorf("初始化情绪策略失败: %w", err)
			}
			providers = append(providers, sentiment)
		default:
			return nil, fmt.Errorf("未知的策略: %q", name)
		}
	}

	composite, err := strategy.NewComposite(providers, cfg.Strategy, logger)
	if err != nil {
		return nil, fmt.Errorf("组装策略失败: %w", err)
	}
	return composite, nil
}

// Run 并行启动交易引擎与监控服务,任一退出即整体退出。
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.engine.Run(groupCtx) })
	group.Go(func() error { return a.server.Start(groupCtx) })

	return group.Wait()
}

// Close 释放进程持有的资源。
func (a *App) Close() error {
	return a.store.Close()
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了交易引擎运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Indicators IndicatorsConfig `mapstructure:"indicators"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Sentiment  SentimentConfig  `mapstructure:"sentiment"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Server     ServerConfig     `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// TradingConfig 描述交易标的与下单默认值。加载后不可变。
type TradingConfig struct {
	Symbols        []string `mapstructure:"symbols"`
	OrderType      string   `mapstructure:"order_type"`
	OrderQuantity  float64  `mapstructure:"order_quantity"`
	InitialCash    float64  `mapstructure:"initial_cash"`
	BuyingPowerCap float64  `mapstructure:"buying_power_cap"`
	BarInterval    string   `mapstructure:"bar_interval"`
	BarLookback    int      `mapstructure:"bar_lookback"`
}

// RiskConfig 管理风控阈值。MaxDailyLoss 为绝对金额。
type RiskConfig struct {
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct"`
	MaxOpenOrders   int     `mapstructure:"max_open_orders"`
	DailyResetHour  int     `mapstructure:"daily_reset_hour"`
}

// IndicatorsConfig 描述技术指标窗口参数。引擎本身不解释指标语义，
// 只把它原样传给信号提供方。
type IndicatorsConfig struct {
	SMAShortPeriod    int     `mapstructure:"sma_short_period"`
	SMALongPeriod     int     `mapstructure:"sma_long_period"`
	RSIPeriod         int     `mapstructure:"rsi_period"`
	RSIOversold       float64 `mapstructure:"rsi_oversold"`
	RSIOverbought     float64 `mapstructure:"rsi_overbought"`
	MACDShortPeriod   int     `mapstructure:"macd_short_period"`
	MACDLongPeriod    int     `mapstructure:"macd_long_period"`
	MACDSignalPeriod  int     `mapstructure:"macd_signal_period"`
	VWAPThreshold     float64 `mapstructure:"vwap_threshold"`
	MomentumLookback  int     `mapstructure:"momentum_lookback"`
	MomentumThreshold float64 `mapstructure:"momentum_threshold"`
}

// StrategyConfig 控制启用哪些信号源以及各自权重。
type StrategyConfig struct {
	Enabled   []string           `mapstructure:"enabled"`
	Weights   map[string]float64 `mapstructure:"weights"`
	Threshold float64            `mapstructure:"threshold"`
}

// RetryConfig 统一控制网络调用重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BrokerConfig 描述券商连接信息。Driver 决定具体适配器：
// ccxt（加密货币交易所）、rest（通用 REST 券商）、paper（干跑模式）。
type BrokerConfig struct {
	Driver         string        `mapstructure:"driver"`
	Name           string        `mapstructure:"name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	APIPassword    string        `mapstructure:"api_password"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// SentimentConfig 描述情绪信号所用的大模型调用参数。
type SentimentConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏与交易时段。
// SessionOpen/SessionClose 为空时视为全天可交易。
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SessionOpen  string        `mapstructure:"session_open"`
	SessionClose string        `mapstructure:"session_close"`
	Timezone     string        `mapstructure:"timezone"`
}

// ServerConfig 控制监控接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。校验失败属于致命错误，进程不应继续。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.Trading.Symbols) == 0 {
		err = multierr.Append(err, errors.New("trading.symbols 至少包含一个标的"))
	}
	for _, symbol := range c.Trading.Symbols {
		if strings.TrimSpace(symbol) == "" {
			err = multierr.Append(err, errors.New("trading.symbols 不允许出现空标的"))
			break
		}
	}
	switch strings.ToLower(c.Trading.OrderType) {
	case "market", "limit":
	default:
		err = multierr.Append(err, fmt.Errorf("trading.order_type 取值非法: %s", c.Trading.OrderType))
	}
	if c.Trading.OrderQuantity <= 0 {
		err = multierr.Append(err, errors.New("trading.order_quantity 必须大于0"))
	}
	if c.Trading.InitialCash <= 0 {
		err = multierr.Append(err, errors.New("trading.initial_cash 必须大于0"))
	}
	if c.Trading.BuyingPowerCap < 0 {
		err = multierr.Append(err, errors.New("trading.buying_power_cap 不能为负"))
	}
	if c.Trading.BarLookback <= 0 {
		err = multierr.Append(err, errors.New("trading.bar_lookback 必须大于0"))
	}
	if c.Trading.BarInterval == "" {
		err = multierr.Append(err, errors.New("trading.bar_interval 不能为空"))
	}

	if c.Risk.MaxPositionSize <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_size 必须大于0"))
	}
	if c.Risk.MaxDailyLoss < 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 不能为负"))
	}
	if c.Risk.StopLossPct < 0 || c.Risk.TakeProfitPct < 0 {
		err = multierr.Append(err, errors.New("risk.stop_loss_pct/take_profit_pct 不能为负"))
	}
	if c.Risk.StopLossPct > 0 && c.Risk.TakeProfitPct > 0 && c.Risk.StopLossPct >= c.Risk.TakeProfitPct {
		err = multierr.Append(err, errors.New("risk.stop_loss_pct 必须小于 take_profit_pct"))
	}
	if c.Risk.MaxOpenOrders <= 0 {
		err = multierr.Append(err, errors.New("risk.max_open_orders 必须大于0"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}

	if c.Indicators.SMAShortPeriod <= 0 || c.Indicators.SMALongPeriod <= 0 {
		err = multierr.Append(err, errors.New("indicators.sma 周期必须大于0"))
	}
	if c.Indicators.SMAShortPeriod >= c.Indicators.SMALongPeriod {
		err = multierr.Append(err, errors.New("indicators.sma_short_period 必须小于 sma_long_period"))
	}
	if c.Indicators.RSIPeriod <= 0 {
		err = multierr.Append(err, errors.New("indicators.rsi_period 必须大于0"))
	}
	if c.Indicators.RSIOversold >= c.Indicators.RSIOverbought {
		err = multierr.Append(err, errors.New("indicators.rsi_oversold 必须小于 rsi_overbought"))
	}
	if c.Indicators.MACDShortPeriod >= c.Indicators.MACDLongPeriod {
		err = multierr.Append(err, errors.New("indicators.macd_short_period 必须小于 macd_long_period"))
	}
	if c.Indicators.MACDSignalPeriod <= 0 {
		err = multierr.Append(err, errors.New("indicators.macd_signal_period 必须大于0"))
	}
	if c.Indicators.VWAPThreshold < 0 {
		err = multierr.Append(err, errors.New("indicators.vwap_threshold 不能为负"))
	}
	if c.Indicators.MomentumLookback <= 0 {
		err = multierr.Append(err, errors.New("indicators.momentum_lookback 必须大于0"))
	}

	if len(c.Strategy.Enabled) == 0 {
		err = multierr.Append(err, errors.New("strategy.enabled 至少启用一个信号源"))
	}
	for _, name := range c.Strategy.Enabled {
		switch strings.ToLower(name) {
		case "sma_crossover", "vwap_reversion", "sentiment":
		default:
			err = multierr.Append(err, fmt.Errorf("strategy.enabled 含未知信号源: %s", name))
		}
	}
	for name, weight := range c.Strategy.Weights {
		if weight < 0 {
			err = multierr.Append(err, fmt.Errorf("strategy.weights[%s] 不能为负", name))
		}
	}
	if c.Strategy.Threshold < 0 || c.Strategy.Threshold > 1 {
		err = multierr.Append(err, errors.New("strategy.threshold 必须位于[0,1]"))
	}

	switch strings.ToLower(c.Broker.Driver) {
	case "ccxt", "rest", "paper":
	default:
		err = multierr.Append(err, fmt.Errorf("broker.driver 取值非法: %s", c.Broker.Driver))
	}
	if strings.EqualFold(c.Broker.Driver, "rest") && c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 在 rest 模式下不能为空"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Broker.RateLimit < 0 || c.Broker.RateLimitBurst < 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit 相关参数不能为负"))
	}

	if containsStrategy(c.Strategy.Enabled, "sentiment") {
		if c.Sentiment.APIKey == "" {
			err = multierr.Append(err, errors.New("sentiment.api_key 在启用情绪信号时不能为空"))
		}
		if c.Sentiment.Model == "" {
			err = multierr.Append(err, errors.New("sentiment.model 在启用情绪信号时不能为空"))
		}
		if c.Sentiment.Timeout <= 0 {
			err = multierr.Append(err, errors.New("sentiment.timeout 必须大于0"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 必须大于0"))
	}
	if (c.Scheduler.SessionOpen == "") != (c.Scheduler.SessionClose == "") {
		err = multierr.Append(err, errors.New("scheduler.session_open 与 session_close 必须成对配置"))
	}
	if c.Scheduler.SessionOpen != "" {
		if parseErr := validateClock(c.Scheduler.SessionOpen); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduler.session_open 格式非法: %w", parseErr))
		}
		if parseErr := validateClock(c.Scheduler.SessionClose); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduler.session_close 格式非法: %w", parseErr))
		}
	}
	if c.Scheduler.Timezone != "" {
		if _, loadErr := time.LoadLocation(c.Scheduler.Timezone); loadErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduler.timezone 非法: %w", loadErr))
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validateClock(value string) error {
	_, err := time.Parse("15:04", strings.TrimSpace(value))
	return err
}

func containsStrategy(enabled []string, name string) bool {
	for _, item := range enabled {
		if strings.EqualFold(item, name) {
			return true
		}
	}
	return false
}

package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "tradebot"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 返回的配置已通过校验，加载之后任何组件都不得修改它。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("trading.symbols", []string{"AAPL"})
	v.SetDefault("trading.order_type", "market")
	v.SetDefault("trading.order_quantity", 10)
	v.SetDefault("trading.initial_cash", 100000)
	v.SetDefault("trading.buying_power_cap", 0)
	v.SetDefault("trading.bar_interval", "5m")
	v.SetDefault("trading.bar_lookback", 120)

	v.SetDefault("risk.max_position_size", 100)
	v.SetDefault("risk.max_daily_loss", 500)
	v.SetDefault("risk.stop_loss_pct", 0.05)
	v.SetDefault("risk.take_profit_pct", 0.10)
	v.SetDefault("risk.max_open_orders", 5)
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("indicators.sma_short_period", 20)
	v.SetDefault("indicators.sma_long_period", 50)
	v.SetDefault("indicators.rsi_period", 14)
	v.SetDefault("indicators.rsi_oversold", 30)
	v.SetDefault("indicators.rsi_overbought", 70)
	v.SetDefault("indicators.macd_short_period", 12)
	v.SetDefault("indicators.macd_long_period", 26)
	v.SetDefault("indicators.macd_signal_period", 9)
	v.SetDefault("indicators.vwap_threshold", 0.005)
	v.SetDefault("indicators.momentum_lookback", 10)
	v.SetDefault("indicators.momentum_threshold", 0.001)

	v.SetDefault("strategy.enabled", []string{"sma_crossover"})
	v.SetDefault("strategy.weights", map[string]float64{"sma_crossover": 1.0})
	v.SetDefault("strategy.threshold", 0.2)

	v.SetDefault("broker.driver", "paper")
	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.rate_limit", 10)
	v.SetDefault("broker.rate_limit_burst", 5)
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("sentiment.base_url", "https://api.openai.com/v1")
	v.SetDefault("sentiment.model", "gpt-4.1-mini")
	v.SetDefault("sentiment.timeout", "15s")

	v.SetDefault("database.path", "data/tradebot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.session_open", "")
	v.SetDefault("scheduler.session_close", "")
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8085)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

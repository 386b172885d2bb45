package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/signal"
)

const sentimentTemplate = `
你是一个专业的量化交易员。请根据标的 {{ .Symbol }} 的近期K线数据判断短期方向。

近期K线（按时间升序,最多 {{ .Count }} 根）:
{{ .BarsJSON }}

请严格输出唯一的 JSON 对象,格式如下:
{
  "direction": "LONG|SHORT|FLAT",   // 短期方向判断,不确定请返回 FLAT
  "conviction": 0.0-1.0,            // 信心强度
  "reasoning": "..."                // 支撑结论的关键理由
}

注意事项:
- 仅依据给出的数据判断,不要臆测外部消息。
- 不确定时返回 FLAT 且 conviction 填 0。
`

var sentimentTmpl = template.Must(template.New("sentiment").Parse(sentimentTemplate))

type sentimentVerdict struct {
	Direction  string  `json:"direction"`
	Conviction float64 `json:"conviction"`
	Reasoning  string  `json:"reasoning"`
}

// Sentiment 调用大模型对近期行情做方向判断。模型输出经过严格解析,
// 无法解析或方向未知时一律视为无信号。
type Sentiment struct {
	cfg    config.SentimentConfig
	logger *zap.Logger
	sdk    *openai.Client
}

var _ signal.Provider = (*Sentiment)(nil)

// NewSentiment 创建情绪策略。
func NewSentiment(cfg config.SentimentConfig, logger *zap.Logger) (*Sentiment, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sentiment.api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("sentiment.model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &Sentiment{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

func (s *Sentiment) Name() string {
	return "sentiment"
}

func (s *Sentiment) GenerateIntent(ctx context.Context, symbol string, bars []broker.Bar, _ config.IndicatorsConfig) (signal.Intent, error) {
	prompt, err := s.buildPrompt(symbol, bars)
	if err != nil {
		return signal.Flat(), err
	}

	response, err := s.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return signal.Flat(), fmt.Errorf("调用大模型失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return signal.Flat(), errors.New("大模型返回结果为空")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	verdict, err := parseVerdict(content)
	if err != nil {
		s.logger.Warn("解析模型输出失败,视为无信号",
			zap.String("symbol", symbol),
			zap.String("raw_content", content),
			zap.Error(err))
		return signal.Flat(), nil
	}

	intent := verdictToIntent(verdict)
	s.logger.Debug("情绪信号生成",
		zap.String("symbol", symbol),
		zap.String("direction", string(intent.Direction)),
		zap.Float64("conviction", intent.Conviction),
		zap.String("reasoning", verdict.Reasoning))

	return intent, nil
}

func (s *Sentiment) buildPrompt(symbol string, bars []broker.Bar) (string, error) {
	const maxBars = 30
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}

	barsJSON, err := json.Marshal(bars)
	if err != nil {
		return "", fmt.Errorf("序列化K线失败: %w", err)
	}

	var buf bytes.Buffer
	if err := sentimentTmpl.Execute(&buf, map[string]interface{}{
		"Symbol":   symbol,
		"Count":    len(bars),
		"BarsJSON": string(barsJSON),
	}); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}

func parseVerdict(content string) (sentimentVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return sentimentVerdict{}, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	var verdict sentimentVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return sentimentVerdict{}, fmt.Errorf("解析情绪JSON失败: %w", err)
	}
	return verdict, nil
}

func verdictToIntent(v sentimentVerdict) signal.Intent {
	conviction := v.Conviction
	if conviction < 0 {
		conviction = 0
	}
	if conviction > 1 {
		conviction = 1
	}

	switch strings.ToUpper(strings.TrimSpace(v.Direction)) {
	case "LONG":
		return signal.Intent{Direction: signal.DirectionLong, Conviction: conviction}
	case "SHORT":
		return signal.Intent{Direction: signal.DirectionShort, Conviction: conviction}
	default:
		return signal.Flat()
	}
}

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/config"
)

func retryConfig(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: attempts,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestCallWithRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := callWithRetry(context.Background(), retryConfig(3), zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("暂时失败")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("应在第三次成功: %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望调用 3 次,实际 %d", calls)
	}
}

func TestCallWithRetryExhausts(t *testing.T) {
	calls := 0
	err := callWithRetry(context.Background(), retryConfig(3), zap.NewNop(), "test", func() error {
		calls++
		return &TransientError{Err: errors.New("一直失败")}
	})
	if err == nil {
		t.Fatal("重试耗尽应返回错误")
	}
	if calls != 3 {
		t.Fatalf("期望调用 3 次,实际 %d", calls)
	}
}

func TestCallWithRetryFatalErrorNoRetry(t *testing.T) {
	calls := 0
	fatal := errors.New("参数非法")
	err := callWithRetry(context.Background(), retryConfig(3), zap.NewNop(), "test", func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("应原样返回不可重试错误: %v", err)
	}
	if calls != 1 {
		t.Fatalf("不可重试错误不应重试,实际调用 %d 次", calls)
	}
}

func TestCallWithRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := callWithRetry(ctx, retryConfig(5), zap.NewNop(), "test", func() error {
		return &TransientError{Err: errors.New("暂时失败")}
	})
	if err == nil {
		t.Fatal("上下文取消后应返回错误")
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Fatal("上下文取消不可重试")
	}
	if !IsRetryable(&TransientError{Err: errors.New("x")}) {
		t.Fatal("瞬时错误应可重试")
	}
	if IsRetryable(errors.New("普通错误")) {
		t.Fatal("未知错误默认不可重试")
	}
}

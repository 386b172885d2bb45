package broker

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrDataUnavailable 表示上游行情源在重试耗尽后仍无数据。
	// 调用方必须显式处理，不允许以旧数据顶替。
	ErrDataUnavailable = errors.New("broker: market data unavailable")

	// ErrSubmissionFailed 表示委托提交在重试预算内未能成功。
	ErrSubmissionFailed = errors.New("broker: order submission failed")

	// ErrOrderNotFound 表示券商侧不存在该订单编号。
	ErrOrderNotFound = errors.New("broker: order not found")
)

// IsRetryable 判断错误是否可重试。上下文取消永远不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	return false
}

// TransientError 标记 REST 适配器中可重试的临时错误（限流、5xx）。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

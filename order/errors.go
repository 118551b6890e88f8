package order

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	// ErrAlreadyTerminal 撤单时订单已成交或已撤销，按撤单成功处理。
	ErrAlreadyTerminal = errors.New("order already terminal")
)

// TransientError 超时、限流等临时错误，下个周期重试，不升级。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError 交易所明确拒单（保证金、价格、数量）。
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order rejected: %s: %v", e.Reason, e.Err)
	}
	return "order rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejected 判断是否为拒单。
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsTransient 未分类的错误一律按临时错误处理。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsRejected(err) && !errors.Is(err, ErrAlreadyTerminal)
}

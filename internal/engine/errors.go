package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted 引擎因不可恢复错误停机，Run 返回的错误包装它。
	ErrHalted = errors.New("engine halted")
	// ErrDataStale 超过 stale_after 未收到行情，双侧视为暂停。
	ErrDataStale = errors.New("market data stale")
)

// ReconciliationMismatchError 本地状态与交易所不一致，以交易所为准。
type ReconciliationMismatchError struct {
	Kind    string
	OrderID string
	Detail  string
}

func (e *ReconciliationMismatchError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("reconciliation mismatch (%s) order %s: %s", e.Kind, e.OrderID, e.Detail)
	}
	return fmt.Sprintf("reconciliation mismatch (%s): %s", e.Kind, e.Detail)
}


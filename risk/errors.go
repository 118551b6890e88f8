package risk

import "errors"

var (
	// ErrInventoryLimitBreach 平仓单结束后仓位仍超过库存上限，不可恢复。
	ErrInventoryLimitBreach = errors.New("inventory limit breach")
	// ErrForceCloseFailed 平仓单提交失败，不可恢复。
	ErrForceCloseFailed = errors.New("force close failed")
)

package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机；只读，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	legalTransitions := []StateTransition{
		// 从PENDING可以转到；成交回报可能早于下单确认
		{StatusPending, StatusOpen},
		{StatusPending, StatusPartial},
		{StatusPending, StatusFilled},
		{StatusPending, StatusCancelled},

		// 从OPEN可以转到
		{StatusOpen, StatusPartial},
		{StatusOpen, StatusFilled},
		{StatusOpen, StatusCancelled},

		// 从PARTIAL可以转到
		{StatusPartial, StatusFilled},
		{StatusPartial, StatusCancelled},

		// 终态不能转换（FILLED, CANCELLED）
	}
	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
	return sm
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	return status == StatusFilled || status == StatusCancelled
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusOpen, StatusPartial:
		return true
	default:
		return false
	}
}

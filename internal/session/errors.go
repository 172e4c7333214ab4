package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed 会话已关闭, 所有命令拒绝执行
var ErrSessionClosed = errors.New("session closed")

// StateError 当前状态不允许执行请求的操作
type StateError struct {
	Op    string
	State State
}

// Error 实现error接口
func (e *StateError) Error() string {
	return fmt.Sprintf("operation %s not allowed in state %s", e.Op, e.State)
}

// TransitionError 状态机不允许的迁移
type TransitionError struct {
	From State
	To   State
}

// Error 实现error接口
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ConfigurationError 会话模板配置错误
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error 实现error接口
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid session configuration %s: %s", e.Field, e.Reason)
}

// ProtocolViolation 对端发来的帧违反OCPP-J协议。单会话60秒窗口内
// 累计超过阈值时强制重连。
type ProtocolViolation struct {
	Reason string
	Cause  error
}

// Error 实现error接口
func (e *ProtocolViolation) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// Unwrap 返回底层原因
func (e *ProtocolViolation) Unwrap() error {
	return e.Cause
}

package ocpp16

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// 挂起表的错误类别
var (
	// ErrDuplicateID uniqueId已被占用
	ErrDuplicateID = errors.New("duplicate unique id")
	// ErrTimeout 请求超时
	ErrTimeout = errors.New("call timeout")
	// ErrTransportClosed 连接断开导致请求失效
	ErrTransportClosed = errors.New("transport closed")
	// ErrCancelled 会话删除导致请求失效
	ErrCancelled = errors.New("call cancelled")
)

// 默认超时: 普通请求30秒, BootNotification 60秒
const (
	DefaultCallTimeout = 30 * time.Second
	BootCallTimeout    = 60 * time.Second
)

// CallError CSMS返回的CALLERROR错误
type CallError struct {
	Code        ocpp16.CallErrorCode
	Description string
}

// Error 实现error接口
func (e *CallError) Error() string {
	return fmt.Sprintf("call error %s: %s", e.Code, e.Description)
}

// Result 一次挂起请求的最终结局: 响应载荷或错误
type Result struct {
	Action  ocpp16.Action
	Payload json.RawMessage
	Err     error
}

// pendingCall 一条挂起的出站请求
type pendingCall struct {
	uniqueID string
	action   ocpp16.Action
	deadline time.Time
	resultCh chan Result
}

// PendingTable 出站请求关联表, 每个会话持有一张。注册时分配单调递增
// 的uniqueId, 由CALLRESULT/CALLERROR或超时扫描解决。结果通道容量为1,
// 完成方写入后关闭表项, 等待方随时可读。
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCall
	nextID  uint64
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewPendingTable 创建挂起表
func NewPendingTable(clk clock.Clock, logger zerolog.Logger) *PendingTable {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingTable{
		entries: make(map[string]*pendingCall),
		nextID:  1,
		clock:   clk,
		logger:  logger,
	}
}

// NextUniqueID 预览下一个将分配的uniqueId, 十进制渲染
func (t *PendingTable) NextUniqueID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strconv.FormatUint(t.nextID, 10)
}

// Register 注册一条挂起请求并返回其uniqueId和结果通道。uniqueId在
// 表项存续期间唯一, 冲突时返回ErrDuplicateID。
func (t *PendingTable) Register(action ocpp16.Action, timeout time.Duration) (string, <-chan Result, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	uniqueID := strconv.FormatUint(t.nextID, 10)
	t.nextID++

	if _, exists := t.entries[uniqueID]; exists {
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateID, uniqueID)
	}

	call := &pendingCall{
		uniqueID: uniqueID,
		action:   action,
		deadline: t.clock.Now().Add(timeout),
		resultCh: make(chan Result, 1),
	}
	t.entries[uniqueID] = call

	return uniqueID, call.resultCh, nil
}

// Resolve 以CALLRESULT载荷完成挂起请求。未知uniqueId视为迟到响应,
// 记录日志后静默忽略。
func (t *PendingTable) Resolve(uniqueID string, payload json.RawMessage) bool {
	call, ok := t.take(uniqueID)
	if !ok {
		t.logger.Debug().Str("unique_id", uniqueID).Msg("Late call result dropped")
		return false
	}

	call.resultCh <- Result{Action: call.action, Payload: payload}
	return true
}

// Fail 以CALLERROR完成挂起请求, 迟到响应同样忽略
func (t *PendingTable) Fail(uniqueID string, code ocpp16.CallErrorCode, description string) bool {
	call, ok := t.take(uniqueID)
	if !ok {
		t.logger.Debug().
			Str("unique_id", uniqueID).
			Str("error_code", string(code)).
			Msg("Late call error dropped")
		return false
	}

	call.resultCh <- Result{Action: call.action, Err: &CallError{Code: code, Description: description}}
	return true
}

// Expire 以ErrTimeout完成所有越过截止时间的表项, 返回过期数量。
// 由会话的1秒扫描任务周期性调用。
func (t *PendingTable) Expire() int {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []*pendingCall
	for uniqueID, call := range t.entries {
		if now.After(call.deadline) {
			expired = append(expired, call)
			delete(t.entries, uniqueID)
		}
	}
	t.mu.Unlock()

	for _, call := range expired {
		call.resultCh <- Result{Action: call.action, Err: fmt.Errorf("%w: %s after %s", ErrTimeout, call.action, call.uniqueID)}
		t.logger.Warn().
			Str("unique_id", call.uniqueID).
			Str("action", string(call.action)).
			Msg("Pending call expired")
	}
	return len(expired)
}

// FailAll 以给定原因完成全部挂起请求, 用于连接断开(ErrTransportClosed)
// 或会话删除(ErrCancelled)。
func (t *PendingTable) FailAll(cause error) int {
	t.mu.Lock()
	var failed []*pendingCall
	for uniqueID, call := range t.entries {
		failed = append(failed, call)
		delete(t.entries, uniqueID)
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.resultCh <- Result{Action: call.action, Err: cause}
	}
	return len(failed)
}

// Cancel 以ErrCancelled完成单条挂起请求, 用于帧未能入队时回收表项
func (t *PendingTable) Cancel(uniqueID string) bool {
	call, ok := t.take(uniqueID)
	if !ok {
		return false
	}
	call.resultCh <- Result{Action: call.action, Err: ErrCancelled}
	return true
}

// Len 当前挂起请求数
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Action 查询挂起请求的动作, 用于解码CALLRESULT载荷
func (t *PendingTable) Action(uniqueID string) (ocpp16.Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.entries[uniqueID]
	if !ok {
		return "", false
	}
	return call.action, true
}

// take 原子地移除并返回表项
func (t *PendingTable) take(uniqueID string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.entries[uniqueID]
	if ok {
		delete(t.entries, uniqueID)
	}
	return call, ok
}

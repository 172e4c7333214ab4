package websocket

import (
	"sync"
	"time"
)

// LinkState 链路状态
type LinkState string

const (
	LinkStateIdle         LinkState = "idle"
	LinkStateConnecting   LinkState = "connecting"
	LinkStateConnected    LinkState = "connected"
	LinkStateReconnecting LinkState = "reconnecting"
	LinkStateClosed       LinkState = "closed"
)

// LinkStats 链路统计快照
type LinkStats struct {
	State            LinkState `json:"state"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastActivity     time.Time `json:"last_activity"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	BytesSent        uint64    `json:"bytes_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
	Reconnects       uint64    `json:"reconnects"`
	QueueLen         int       `json:"queue_len"`
	DroppedFrames    uint64    `json:"dropped_frames"`
}

// linkTracker 链路状态与统计, 读写来自多个协程
type linkTracker struct {
	mu    sync.RWMutex
	state LinkState
	stats LinkStats
}

func newLinkTracker() *linkTracker {
	return &linkTracker{state: LinkStateIdle}
}

func (t *linkTracker) State() LinkState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *linkTracker) setState(state LinkState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if state == LinkStateConnected {
		now := time.Now().UTC()
		t.stats.ConnectedAt = now
		t.stats.LastActivity = now
	}
}

func (t *linkTracker) recordSent(bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.MessagesSent++
	t.stats.BytesSent += uint64(bytes)
	t.stats.LastActivity = time.Now().UTC()
}

func (t *linkTracker) recordReceived(bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.MessagesReceived++
	t.stats.BytesReceived += uint64(bytes)
	t.stats.LastActivity = time.Now().UTC()
}

func (t *linkTracker) recordReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Reconnects++
}

func (t *linkTracker) snapshot() LinkStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := t.stats
	stats.State = t.state
	return stats
}

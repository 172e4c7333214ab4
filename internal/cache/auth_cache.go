package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// Stats 授权缓存统计
type Stats struct {
	Size        int    `json:"size"`
	ListSize    int    `json:"list_size"`
	ListVersion int    `json:"list_version"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// cacheEntry 缓存条目
type cacheEntry struct {
	idTag     string
	info      ocpp16.IdTagInfo
	expiresAt time.Time
}

// AuthCache 授权缓存与本地授权列表。缓存记录CSMS最近一次对各idTag的
// 授权判定, 按LRU+TTL淘汰; 本地列表由SendLocalList维护, 查询时优先于
// 缓存。并发安全。
type AuthCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clk      clock.Clock

	entries map[string]*list.Element
	order   *list.List // 队首为最近使用

	localList   map[string]ocpp16.IdTagInfo
	listVersion int

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewAuthCache 创建授权缓存。capacity≤0取10000, ttl≤0取1小时,
// clk为nil使用真实时钟。
func NewAuthCache(capacity int, ttl time.Duration, clk clock.Clock) *AuthCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AuthCache{
		capacity:  capacity,
		ttl:       ttl,
		clk:       clk,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		localList: make(map[string]ocpp16.IdTagInfo),
	}
}

// Lookup 查询idTag的本地授权判定。本地列表优先, 其次为未过期的缓存项。
func (c *AuthCache) Lookup(idTag string) (ocpp16.IdTagInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info, ok := c.localList[idTag]; ok {
		c.hits++
		return info, true
	}

	elem, ok := c.entries[idTag]
	if !ok {
		c.misses++
		return ocpp16.IdTagInfo{}, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.clk.Now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		return ocpp16.IdTagInfo{}, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.info, true
}

// Put 写入CSMS的授权判定, 超容时淘汰最久未使用的条目
func (c *AuthCache) Put(idTag string, info ocpp16.IdTagInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clk.Now().Add(c.ttl)

	if elem, ok := c.entries[idTag]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.info = info
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{idTag: idTag, info: info, expiresAt: expiresAt})
	c.entries[idTag] = elem

	for len(c.entries) > c.capacity {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.removeLocked(tail)
		c.evictions++
	}
}

// Clear 清空缓存, 本地列表不受影响。对应ClearCache.req。
func (c *AuthCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return n
}

// EvictExpired 清理过期缓存项, 返回清理数量
func (c *AuthCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.removeLocked(elem)
			c.expirations++
			removed++
		}
		elem = prev
	}
	return removed
}

// ApplyLocalList 应用SendLocalList更新。Full替换全表, Differential要求
// 版本号严格递增, 条目无idTagInfo时表示删除。
func (c *AuthCache) ApplyLocalList(version int, updateType ocpp16.UpdateType, entries []ocpp16.AuthorizationData) ocpp16.UpdateStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch updateType {
	case ocpp16.UpdateTypeFull:
		replacement := make(map[string]ocpp16.IdTagInfo, len(entries))
		for _, entry := range entries {
			if entry.IdTagInfo == nil {
				return ocpp16.UpdateStatusFailed
			}
			replacement[entry.IdTag] = *entry.IdTagInfo
		}
		c.localList = replacement
		c.listVersion = version
		return ocpp16.UpdateStatusAccepted

	case ocpp16.UpdateTypeDifferential:
		if version <= c.listVersion {
			return ocpp16.UpdateStatusVersionMismatch
		}
		for _, entry := range entries {
			if entry.IdTagInfo == nil {
				delete(c.localList, entry.IdTag)
				continue
			}
			c.localList[entry.IdTag] = *entry.IdTagInfo
		}
		c.listVersion = version
		return ocpp16.UpdateStatusAccepted

	default:
		return ocpp16.UpdateStatusNotSupported
	}
}

// ListVersion 当前本地列表版本, 空表为0
func (c *AuthCache) ListVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listVersion
}

// Len 当前缓存条目数
func (c *AuthCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats 统计快照
func (c *AuthCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		ListSize:    len(c.localList),
		ListVersion: c.listVersion,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// removeLocked 摘除缓存条目, 调用方须持锁
func (c *AuthCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.idTag)
}

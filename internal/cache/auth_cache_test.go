package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

func accepted() ocpp16.IdTagInfo {
	return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}
}

func blocked() ocpp16.IdTagInfo {
	return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	_, ok := c.Lookup("TAG-1")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.GetStats().Misses)
}

func TestPutAndLookup(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	c.Put("TAG-1", accepted())

	info, ok := c.Lookup("TAG-1")
	require.True(t, ok)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, info.Status)
	assert.Equal(t, uint64(1), c.GetStats().Hits)
}

func TestLookupExpiredEntry(t *testing.T) {
	mock := clock.NewMock()
	c := NewAuthCache(10, time.Hour, mock)

	c.Put("TAG-1", accepted())
	mock.Add(time.Hour + time.Minute)

	_, ok := c.Lookup("TAG-1")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.GetStats().Expirations)
	assert.Equal(t, 0, c.Len())
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	c := NewAuthCache(3, time.Hour, clock.NewMock())

	for i := 1; i <= 3; i++ {
		c.Put(fmt.Sprintf("TAG-%d", i), accepted())
	}

	// 访问TAG-1使其变为最近使用
	_, ok := c.Lookup("TAG-1")
	require.True(t, ok)

	// 插入第4条, 最久未使用的TAG-2被淘汰
	c.Put("TAG-4", accepted())

	_, ok = c.Lookup("TAG-2")
	assert.False(t, ok)
	_, ok = c.Lookup("TAG-1")
	assert.True(t, ok)
	_, ok = c.Lookup("TAG-4")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.GetStats().Evictions)
}

func TestPutUpdatesExistingEntry(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	c.Put("TAG-1", accepted())
	c.Put("TAG-1", blocked())

	info, ok := c.Lookup("TAG-1")
	require.True(t, ok)
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, info.Status)
	assert.Equal(t, 1, c.Len())
}

func TestClearEmptiesCacheButKeepsLocalList(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	c.Put("CACHED", accepted())
	status := c.ApplyLocalList(1, ocpp16.UpdateTypeFull, []ocpp16.AuthorizationData{
		{IdTag: "LISTED", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}},
	})
	require.Equal(t, ocpp16.UpdateStatusAccepted, status)

	assert.Equal(t, 1, c.Clear())

	_, ok := c.Lookup("CACHED")
	assert.False(t, ok)
	_, ok = c.Lookup("LISTED")
	assert.True(t, ok)
	assert.Equal(t, 1, c.ListVersion())
}

func TestLocalListOverridesCache(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	c.Put("TAG-1", accepted())
	c.ApplyLocalList(1, ocpp16.UpdateTypeFull, []ocpp16.AuthorizationData{
		{IdTag: "TAG-1", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}},
	})

	info, ok := c.Lookup("TAG-1")
	require.True(t, ok)
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, info.Status)
}

func TestApplyLocalListDifferential(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	status := c.ApplyLocalList(1, ocpp16.UpdateTypeFull, []ocpp16.AuthorizationData{
		{IdTag: "TAG-1", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}},
		{IdTag: "TAG-2", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}},
	})
	require.Equal(t, ocpp16.UpdateStatusAccepted, status)

	// 差量更新: 删除TAG-1, 修改TAG-2
	status = c.ApplyLocalList(2, ocpp16.UpdateTypeDifferential, []ocpp16.AuthorizationData{
		{IdTag: "TAG-1"},
		{IdTag: "TAG-2", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusExpired}},
	})
	require.Equal(t, ocpp16.UpdateStatusAccepted, status)

	_, ok := c.Lookup("TAG-1")
	assert.False(t, ok)
	info, ok := c.Lookup("TAG-2")
	require.True(t, ok)
	assert.Equal(t, ocpp16.AuthorizationStatusExpired, info.Status)
	assert.Equal(t, 2, c.ListVersion())
}

func TestApplyLocalListVersionMismatch(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	require.Equal(t, ocpp16.UpdateStatusAccepted,
		c.ApplyLocalList(5, ocpp16.UpdateTypeFull, nil))

	// 差量版本不大于当前版本时拒绝
	status := c.ApplyLocalList(5, ocpp16.UpdateTypeDifferential, []ocpp16.AuthorizationData{
		{IdTag: "TAG-1", IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}},
	})
	assert.Equal(t, ocpp16.UpdateStatusVersionMismatch, status)
	assert.Equal(t, 5, c.ListVersion())
}

func TestApplyLocalListFullRequiresIdTagInfo(t *testing.T) {
	c := NewAuthCache(10, time.Hour, clock.NewMock())

	status := c.ApplyLocalList(1, ocpp16.UpdateTypeFull, []ocpp16.AuthorizationData{
		{IdTag: "TAG-1"},
	})
	assert.Equal(t, ocpp16.UpdateStatusFailed, status)
	assert.Equal(t, 0, c.ListVersion())
}

func TestEvictExpired(t *testing.T) {
	mock := clock.NewMock()
	c := NewAuthCache(10, time.Hour, mock)

	c.Put("TAG-1", accepted())
	mock.Add(30 * time.Minute)
	c.Put("TAG-2", accepted())
	mock.Add(31 * time.Minute)

	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Lookup("TAG-2")
	assert.True(t, ok)
}

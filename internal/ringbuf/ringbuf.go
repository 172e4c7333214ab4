package ringbuf

// Buffer 固定容量环形缓冲, 写满后覆盖最旧条目。
// 非并发安全, 调用方负责串行访问。
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New 创建容量为capacity的环形缓冲, capacity小于1时按1处理
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items: make([]T, capacity),
	}
}

// Append 追加一条记录, 缓冲已满时覆盖最旧的一条
func (b *Buffer[T]) Append(item T) {
	index := (b.head + b.size) % len(b.items)
	b.items[index] = item
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.head = (b.head + 1) % len(b.items)
}

// Len 返回当前条目数
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap 返回缓冲容量
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Snapshot 按从旧到新的顺序拷贝全部条目
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Clear 清空缓冲
func (b *Buffer[T]) Clear() {
	b.head = 0
	b.size = 0
}

package controller

import "sync"

// Mailbox is an unbounded FIFO whose depth is tracked by a Monitor. Push never
// blocks; the owner drains with Take and calls Done once per processed item.
type Mailbox[T any] struct {
	mu      sync.Mutex
	items   []T
	notify  chan struct{}
	monitor *Monitor
}

// NewMailbox returns an empty mailbox reporting depth to monitor.
func NewMailbox[T any](monitor *Monitor) *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1), monitor: monitor}
}

// Push enqueues v.
func (m *Mailbox[T]) Push(v T) {
	// Count before the item is visible so Done can never run ahead of Inc.
	m.monitor.Inc()
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Notify is signalled after a Push. One signal may cover several items.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Take removes and returns everything queued, oldest first.
func (m *Mailbox[T]) Take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Done marks one taken item as processed.
func (m *Mailbox[T]) Done() {
	m.monitor.Dec()
}

// Depth returns queued plus taken-but-unprocessed items.
func (m *Mailbox[T]) Depth() int64 {
	return m.monitor.Depth()
}

package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds the frames held for a receiver that has not asked yet.
const DefaultQueueSize = 64

// ErrReceivePending is returned when Receive is called while another
// Receive is still waiting. The upper protocol is strictly half-duplex.
var ErrReceivePending = errors.New("ble: receive already pending")

type delivery struct {
	msg []byte
	err error
}

// Bridge hands reassembled messages to a single waiting receiver. Messages
// that arrive with nobody waiting are held in a bounded FIFO. A waiter is
// only parked when the FIFO is empty, so the two never hold data at once.
//
// The FIFO is bounded in groups, one group per reassembled frame, so the
// HID reports of a large frame are never split by overflow.
type Bridge struct {
	mu       sync.Mutex
	queue    [][][]byte // groups of messages, oldest first
	queued   int        // messages across all groups
	maxQueue int
	waiter   chan delivery // capacity 1; non-nil while a receiver is parked
	closed   error
}

// NewBridge creates a Bridge holding at most maxQueue undelivered groups.
func NewBridge(maxQueue int) *Bridge {
	if maxQueue <= 0 {
		maxQueue = DefaultQueueSize
	}
	return &Bridge{maxQueue: maxQueue}
}

// Deliver resolves the parked receiver with msg, or queues it as a group
// of one. Messages delivered after Close are dropped.
func (b *Bridge) Deliver(msg []byte) {
	b.DeliverGroup([][]byte{msg})
}

// DeliverGroup delivers msgs in order as one unit: the parked receiver, if
// any, gets the first and the rest are queued together. Overflow drops the
// oldest whole group.
func (b *Bridge) DeliverGroup(msgs [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	if b.closed != nil {
		slog.Debug("[BLE] [bridge] dropping messages after close", "count", len(msgs))
		return
	}
	if b.waiter != nil {
		b.waiter <- delivery{msg: msgs[0]}
		b.waiter = nil
		msgs = msgs[1:]
		if len(msgs) == 0 {
			return
		}
	}
	if len(b.queue) >= b.maxQueue {
		// Drop oldest
		slog.Warn("[BLE] [bridge] queue full, dropping oldest frame",
			"frames", len(b.queue), "messages", len(b.queue[0]))
		b.queued -= len(b.queue[0])
		b.queue[0] = nil
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, msgs)
	b.queued += len(msgs)
}

// pop removes the oldest queued message (caller must hold mu).
func (b *Bridge) pop() []byte {
	head := b.queue[0]
	msg := head[0]
	head[0] = nil
	if len(head) == 1 {
		b.queue[0] = nil
		b.queue = b.queue[1:]
	} else {
		b.queue[0] = head[1:]
	}
	b.queued--
	return msg
}

// Receive returns the oldest queued message, or waits for the next Deliver.
// It fails when the bridge is closed while waiting or ctx is done.
func (b *Bridge) Receive(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	if b.queued > 0 {
		msg := b.pop()
		b.mu.Unlock()
		return msg, nil
	}
	if b.closed != nil {
		err := b.closed
		b.mu.Unlock()
		return nil, err
	}
	if b.waiter != nil {
		b.mu.Unlock()
		return nil, ErrReceivePending
	}
	ch := make(chan delivery, 1)
	b.waiter = ch
	b.mu.Unlock()

	select {
	case d := <-ch:
		return d.msg, d.err
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiter == ch {
			b.waiter = nil
			b.mu.Unlock()
			return nil, ctx.Err()
		}
		b.mu.Unlock()
		// Resolved concurrently with the cancellation; don't lose it.
		d := <-ch
		return d.msg, d.err
	}
}

// Close fails the parked receiver with err and rejects later waits.
// With keepQueued, messages already queued stay receivable.
func (b *Bridge) Close(err error, keepQueued bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = err
	if !keepQueued {
		b.queue = nil
		b.queued = 0
	}
	if b.waiter != nil {
		b.waiter <- delivery{err: err}
		b.waiter = nil
	}
}

// Len returns the number of queued messages.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// Frames returns the number of queued groups.
func (b *Bridge) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Waiting reports whether a receiver is parked.
func (b *Bridge) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiter != nil
}

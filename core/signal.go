package core

import (
	"context"
	"runtime"
	"sync/atomic"
)

// Signal wakes a single waiting task from interrupt context. Notify may be
// called before Wait; the notification is kept until consumed.
type Signal struct {
	pending uint32
}

// Notify marks the signal pending. Safe from interrupt handlers.
func (s *Signal) Notify() {
	atomic.StoreUint32(&s.pending, 1)
}

// Reset drops a pending notification.
func (s *Signal) Reset() {
	atomic.StoreUint32(&s.pending, 0)
}

// Pending reports whether a notification is waiting to be consumed.
func (s *Signal) Pending() bool {
	return atomic.LoadUint32(&s.pending) != 0
}

// Wait yields to the scheduler until the signal is notified or ctx is done.
// The waiter polls between yields rather than parking, so it stays
// runnable and the core does not sleep while it waits. Notify needs no
// wakeup path into the scheduler in exchange, which keeps it usable from
// any interrupt handler.
func (s *Signal) Wait(ctx context.Context) error {
	for {
		if atomic.SwapUint32(&s.pending, 0) != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

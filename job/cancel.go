package job

import "sync/atomic"

// CancelFlag is set once, from a signal handler goroutine, and never cleared.
// The row loop only looks at it between rows.
type CancelFlag struct {
	set  atomic.Bool
	done chan struct{}
}

func NewCancelFlag() *CancelFlag {
	return &CancelFlag{done: make(chan struct{})}
}

// Set raises the flag. Calling it again has no effect.
func (c *CancelFlag) Set() {
	if c.set.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// IsSet reports whether the job has been cancelled.
func (c *CancelFlag) IsSet() bool {
	return c.set.Load()
}

// Done is closed when the flag is set, so waits can give up early.
func (c *CancelFlag) Done() <-chan struct{} {
	return c.done
}

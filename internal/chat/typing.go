package chat

import (
	"sync"
	"time"
)

// TypingOptions configures a typing indicator controller.
type TypingOptions struct {
	// MaxDuration auto-stops the indicator to prevent stuck "typing"
	// states when a turn never resolves.
	MaxDuration time.Duration
	// KeepaliveInterval re-fires the indicator before the platform
	// expires it (Discord expires after 10s).
	KeepaliveInterval time.Duration
	// StartFn fires one typing pulse.
	StartFn func() error
}

// TypingController keeps a platform typing indicator alive until stopped.
type TypingController struct {
	opts TypingOptions

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewTyping creates a controller. Call Start to begin, Stop to end.
func NewTyping(opts TypingOptions) *TypingController {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 9 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	return &TypingController{opts: opts, stopCh: make(chan struct{})}
}

// Start fires the first pulse and begins the keepalive loop.
func (c *TypingController) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.opts.StartFn != nil {
		_ = c.opts.StartFn()
	}

	go func() {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer ticker.Stop()
		defer deadline.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-deadline.C:
				c.Stop()
				return
			case <-ticker.C:
				if c.opts.StartFn != nil {
					_ = c.opts.StartFn()
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Idempotent.
func (c *TypingController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

// Kick extends the indicator's life by firing one pulse immediately.
// Used by the stuck-alert path to keep a long turn visibly alive.
func (c *TypingController) Kick() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	if c.opts.StartFn != nil {
		_ = c.opts.StartFn()
	}
}

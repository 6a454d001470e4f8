package daemon

import (
	"sync"
	"time"
)

// Lifecycle shuts the server down once it has had no peer for the idle
// timeout. A zero timeout never triggers.
type Lifecycle struct {
	mu           sync.Mutex
	timer        *time.Timer
	startTime    time.Time
	lastActivity time.Time
	timeout      time.Duration
	active       int
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycle creates a lifecycle with the given idle timeout. The timer
// starts immediately, as the server has no peer yet.
func NewLifecycle(timeout time.Duration) *Lifecycle {
	now := time.Now()
	l := &Lifecycle{
		startTime:    now,
		lastActivity: now,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
	}
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, l.triggerShutdown)
	}
	return l
}

// Acquire records a connected peer. The idle timer is paused while peers
// are connected.
func (l *Lifecycle) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active++
	l.lastActivity = time.Now()
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Release records a disconnected peer and restarts the idle timer after the
// last one.
func (l *Lifecycle) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.lastActivity = time.Now()
	if l.active == 0 && l.timer != nil {
		l.timer.Reset(l.timeout)
	}
}

// Active returns the number of connected peers.
func (l *Lifecycle) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// IdleRemaining returns the duration until auto-shutdown. It is the full
// timeout while peers are connected.
func (l *Lifecycle) IdleRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		return l.timeout
	}
	remaining := l.timeout - time.Since(l.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Uptime returns how long the server has been running.
func (l *Lifecycle) Uptime() time.Duration {
	return time.Since(l.startTime)
}

// ShutdownChan returns a channel that closes when shutdown is triggered.
func (l *Lifecycle) ShutdownChan() <-chan struct{} {
	return l.shutdownChan
}

func (l *Lifecycle) triggerShutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownChan)
	})
}

// Shutdown stops the timer and triggers shutdown.
func (l *Lifecycle) Shutdown() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.triggerShutdown()
}

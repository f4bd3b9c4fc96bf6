// Package poll provides a reusable interval-driven task runner with explicit
// lifecycle control: enable/disable, interval changes, and a pause/resume pair
// intended to be wired to the host process's foreground/background signal.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when a config supplies no interval.
const DefaultInterval = 5 * time.Second

// Task is the unit of work a Poller drives. The poller does not wait for one
// invocation to finish before firing the next; overlap prevention, where it
// matters, belongs to the task itself.
type Task func(ctx context.Context)

// Config controls poller behavior. The zero value is a disabled poller with the
// default interval.
type Config struct {
	Interval            time.Duration
	Enabled             bool
	FetchOnStart        bool // invoke once immediately on activation
	SuspendInBackground bool // honor Pause/Resume
}

// Poller runs a task on a fixed interval. It is either Idle (no timer) or
// Active (timer armed); every transition re-arms through a single path so at
// most one timer exists per instance across any sequence of enable, disable,
// interval-change, pause and resume calls.
type Poller struct {
	mu   sync.Mutex
	cfg  Config
	task Task

	base      context.Context
	started   bool
	paused    bool
	armCancel context.CancelFunc // non-nil exactly when the timer is armed
}

func New(task Task, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{cfg: cfg, task: task}
}

// Start binds the poller to a context and, if enabled, arms the timer. If
// FetchOnStart is set the task is dispatched once before the timer arms.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.base = ctx
	p.started = true

	if p.cfg.Enabled && !p.paused {
		if p.cfg.FetchOnStart {
			go p.task(ctx)
		}
		p.armLocked()
	}
}

// Stop disarms the timer and detaches the poller. An in-flight task invocation
// is not aborted; its result simply lands in a detached lifecycle.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.disarmLocked()
	p.started = false
}

// Pause suspends ticking while the host process is backgrounded. No-op unless
// SuspendInBackground was configured.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.SuspendInBackground || p.paused {
		return
	}
	p.paused = true
	p.disarmLocked()
}

// Resume re-arms after a Pause. It dispatches one immediate invocation before
// the timer, so visible state is never staler than the time spent backgrounded.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.SuspendInBackground || !p.paused {
		return
	}
	p.paused = false

	if p.started && p.cfg.Enabled {
		go p.task(p.base)
		p.armLocked()
	}
}

// SetEnabled flips the enabled flag, arming or disarming as needed.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Enabled == enabled {
		return
	}
	p.cfg.Enabled = enabled

	if !p.started || p.paused {
		return
	}
	if enabled {
		if p.cfg.FetchOnStart {
			go p.task(p.base)
		}
		p.armLocked()
	} else {
		p.disarmLocked()
	}
}

// SetInterval changes the tick period, re-arming the timer if it is active.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d <= 0 || d == p.cfg.Interval {
		return
	}
	p.cfg.Interval = d

	if p.armCancel != nil {
		p.armLocked()
	}
}

// Active reports whether the timer is currently armed.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armCancel != nil
}

// armLocked arms the timer, disarming any existing one first. Callers hold mu.
func (p *Poller) armLocked() {
	p.disarmLocked()

	armCtx, cancel := context.WithCancel(p.base)
	p.armCancel = cancel
	interval := p.cfg.Interval
	base := p.base

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-armCtx.Done():
				return
			case <-ticker.C:
				// Tasks run off the base context: disarming clears the
				// timer but never aborts an invocation mid-flight.
				go p.task(base)
			}
		}
	}()
}

// disarmLocked stops the armed timer, if any. Callers hold mu.
func (p *Poller) disarmLocked() {
	if p.armCancel == nil {
		return
	}
	p.armCancel()
	p.armCancel = nil
	log.Debug().Str("component", "poller").Msg("timer disarmed")
}

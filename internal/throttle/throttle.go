// Package throttle decides how many indexing workers may run right now and
// enforces that limit.
package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Reason string

const (
	ReasonNormal        Reason = "normal"
	ReasonIdle          Reason = "idle"
	ReasonBattery       Reason = "battery"
	ReasonBatteryPaused Reason = "battery-paused"
	ReasonQuietHours    Reason = "quiet-hours"
)

// Signals reports host conditions. Implementations must be cheap; they are
// polled every recompute.
type Signals interface {
	// IdleFor returns how long the host has been idle, zero when busy or unknown.
	IdleFor() time.Duration
	// Battery reports whether the host runs on battery and the charge level.
	// ok is false when there is no battery.
	Battery() (onBattery bool, percent int, ok bool)
}

// QuietHours is a daily window given as offsets from local midnight. A
// window with Start after End wraps past midnight.
type QuietHours struct {
	Enabled bool
	Start   time.Duration
	End     time.Duration
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	y, m, d := t.Date()
	offset := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

type Config struct {
	BaseWorkers         int
	IdleWorkers         int
	IdleAfter           time.Duration
	PauseWhenBatteryLow bool
	BatteryLowPercent   int
	QuietHours          QuietHours
}

type State struct {
	Allowed int    `json:"allowed"`
	Ceiling int    `json:"ceiling"`
	Reason  Reason `json:"reason"`
}

// Controller publishes the allowed worker count. Recompute is called from a
// single scheduling loop; Allowed may be read from any goroutine.
type Controller struct {
	cfg     Config
	signals Signals
	logger  *slog.Logger

	allowed atomic.Int32
	mu      sync.Mutex
	reason  Reason
}

func NewController(cfg Config, signals Signals) *Controller {
	if cfg.BaseWorkers < 1 {
		cfg.BaseWorkers = 1
	}
	if cfg.IdleWorkers < cfg.BaseWorkers {
		cfg.IdleWorkers = cfg.BaseWorkers
	}
	c := &Controller{cfg: cfg, signals: signals, logger: slog.Default()}
	c.Recompute(time.Now())
	return c
}

// Recompute re-evaluates host conditions at now and publishes the result.
func (c *Controller) Recompute(now time.Time) int {
	n, reason := c.cfg.BaseWorkers, ReasonNormal

	if c.cfg.IdleAfter > 0 && c.signals.IdleFor() >= c.cfg.IdleAfter {
		n, reason = c.cfg.IdleWorkers, ReasonIdle
	}

	if onBattery, pct, ok := c.signals.Battery(); ok && onBattery && pct < c.cfg.BatteryLowPercent {
		if c.cfg.PauseWhenBatteryLow {
			n, reason = 0, ReasonBatteryPaused
		} else {
			n, reason = 1, ReasonBattery
		}
	}

	// Quiet hours slow indexing down but never stop it on their own.
	if n > 1 && c.cfg.QuietHours.Contains(now) {
		n, reason = 1, ReasonQuietHours
	}

	prev := c.allowed.Swap(int32(n))
	c.mu.Lock()
	changed := c.reason != reason
	c.reason = reason
	c.mu.Unlock()
	if int(prev) != n || changed {
		c.logger.Debug("worker allowance changed", "allowed", n, "reason", reason)
	}
	return n
}

func (c *Controller) Allowed() int {
	return int(c.allowed.Load())
}

// Ceiling is the most workers that can ever be allowed.
func (c *Controller) Ceiling() int {
	return c.cfg.IdleWorkers
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Allowed: c.Allowed(), Ceiling: c.Ceiling(), Reason: c.reason}
}

//go:build !linux

package throttle

import "time"

// SystemSignals reports a busy host without a battery on platforms where no
// idle or battery reading is implemented, which keeps the base worker count.
type SystemSignals struct{}

func NewSystemSignals() *SystemSignals { return &SystemSignals{} }

func (*SystemSignals) IdleFor() time.Duration { return 0 }

func (*SystemSignals) Battery() (bool, int, bool) { return false, 0, false }

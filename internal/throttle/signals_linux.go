//go:build linux

package throttle

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// idleLoadPerCPU is the 1-minute load average per CPU below which the host
// counts as idle.
const idleLoadPerCPU = 0.25

// SystemSignals reads host state on Linux. Without an input-idle API
// available to a background service, a low load average stands in for
// user idleness.
type SystemSignals struct {
	powerDir string

	mu        sync.Mutex
	idleSince time.Time
}

func NewSystemSignals() *SystemSignals {
	return &SystemSignals{powerDir: "/sys/class/power_supply"}
}

func (s *SystemSignals) IdleFor() time.Duration {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	// Loads are fixed-point with 16 fractional bits.
	load := float64(info.Loads[0]) / 65536.0

	s.mu.Lock()
	defer s.mu.Unlock()
	if load/float64(runtime.NumCPU()) >= idleLoadPerCPU {
		s.idleSince = time.Time{}
		return 0
	}
	if s.idleSince.IsZero() {
		s.idleSince = time.Now()
	}
	return time.Since(s.idleSince)
}

func (s *SystemSignals) Battery() (onBattery bool, percent int, ok bool) {
	entries, err := os.ReadDir(s.powerDir)
	if err != nil {
		return false, 0, false
	}
	for _, e := range entries {
		dir := filepath.Join(s.powerDir, e.Name())
		if readTrimmed(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		pct, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		return readTrimmed(filepath.Join(dir, "status")) == "Discharging", pct, true
	}
	return false, 0, false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

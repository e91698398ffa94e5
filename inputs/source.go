// Package inputs implements model.PolicyInputsSource for revenantd: a
// small, self-contained poller the scheduler calls once per tick — a
// plain struct reading a handful of sysfs paths fresh each call, whose
// only own state is the global-pause flag and the idle clock.
package inputs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"drive-revenant/model"
)

// Source implements model.PolicyInputsSource. OnBattery is read fresh
// from sysfs on every Read(). GlobalPaused is an in-process flag an
// operator toggles (e.g. from a power-management watcher or an
// operator script); there is no corresponding daemon IPC command — the
// external command surface is per-drive only.
type Source struct {
	PowerSupplyPath string // override for tests; defaults to /sys/class/power_supply

	mu           sync.Mutex
	globalPaused bool
	idleSince    time.Time
}

// New constructs a Source reading the real sysfs power-supply tree,
// with its idle clock starting now.
func New() *Source {
	return &Source{PowerSupplyPath: "/sys/class/power_supply", idleSince: time.Now()}
}

// SetGlobalPause toggles the global-pause flag PolicyInputs reports.
func (s *Source) SetGlobalPause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalPaused = paused
}

// Touch resets the idle clock, marking "now" as the last moment of
// system activity. Without a desktop-session idle source wired into
// this daemon, idle_seconds measures time since the Source was built
// or last Touch()ed rather than true input-device idle time.
func (s *Source) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleSince = time.Now()
}

// Read implements model.PolicyInputsSource.
func (s *Source) Read() model.PolicyInputs {
	s.mu.Lock()
	paused, since := s.globalPaused, s.idleSince
	s.mu.Unlock()

	return model.PolicyInputs{
		GlobalPaused: paused,
		OnBattery:    s.onBattery(),
		IdleSeconds:  time.Since(since).Seconds(),
	}
}

// onBattery reports true if any power supply under PowerSupplyPath is
// a battery currently discharging.
func (s *Source) onBattery() bool {
	entries, err := os.ReadDir(s.PowerSupplyPath)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		typePath := filepath.Join(s.PowerSupplyPath, entry.Name(), "type")
		kind, err := os.ReadFile(typePath)
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		statusPath := filepath.Join(s.PowerSupplyPath, entry.Name(), "status")
		status, err := os.ReadFile(statusPath)
		if err == nil && strings.TrimSpace(string(status)) == "Discharging" {
			return true
		}
	}
	return false
}

package model

import (
	"strings"
	"time"
)

// DriveType classifies the physical medium backing a drive, which
// determines jitter and spacing behavior in the scheduler.
type DriveType int

const (
	Unknown DriveType = iota
	SSD
	HDD
	Removable
)

func (t DriveType) String() string {
	switch t {
	case SSD:
		return "SSD"
	case HDD:
		return "HDD"
	case Removable:
		return "Removable"
	default:
		return "Unknown"
	}
}

func (t DriveType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *DriveType) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "SSD":
		*t = SSD
	case "HDD":
		*t = HDD
	case "Removable":
		*t = Removable
	default:
		*t = Unknown
	}
	return nil
}

// DriveState is the lifecycle/policy state of a managed drive.
type DriveState int

const (
	Active DriveState = iota
	Paused
	Quarantined
	Disabled
	Offline
)

func (s DriveState) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Quarantined:
		return "Quarantined"
	case Disabled:
		return "Disabled"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

func (s DriveState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *DriveState) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "Active":
		*s = Active
	case "Paused":
		*s = Paused
	case "Quarantined":
		*s = Quarantined
	case "Disabled":
		*s = Disabled
	case "Offline":
		*s = Offline
	default:
		*s = Active
	}
	return nil
}

// OpKind is the kind of probe a firing performs.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

func (k OpKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k *OpKind) UnmarshalJSON(data []byte) error {
	if strings.Trim(string(data), `"`) == "write" {
		*k = OpWrite
	} else {
		*k = OpRead
	}
	return nil
}

// ResultCode classifies the outcome of a single probe.
type ResultCode int

const (
	OK ResultCode = iota
	SkipLocked
	PartialFlush
	Error
)

func (c ResultCode) String() string {
	switch c {
	case OK:
		return "OK"
	case SkipLocked:
		return "SKIP_LOCKED"
	case PartialFlush:
		return "PARTIAL_FLUSH"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (c ResultCode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func (c *ResultCode) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "OK":
		*c = OK
	case "SKIP_LOCKED":
		*c = SkipLocked
	case "PARTIAL_FLUSH":
		*c = PartialFlush
	case "ERROR":
		*c = Error
	default:
		*c = Error
	}
	return nil
}

// Outcome is the result of a single IOEngine probe. Attempts is the
// number of I/O attempts the engine's internal lock-retry loop made to
// reach this result (always >=1).
type Outcome struct {
	Code      ResultCode
	LatencyMs int64
	Notes     string
	Attempts  int
}

// CountsAsSuccess reports whether the outcome counts as a success for quarantine
// purposes (OK and PARTIAL_FLUSH both do; SKIP_LOCKED is neutral).
func (o Outcome) CountsAsSuccess() bool {
	return o.Code == OK || o.Code == PartialFlush
}

// LastOutcome is one entry in a drive's ring buffer of recent results.
type LastOutcome struct {
	Op      OpKind
	Code    ResultCode
	Latency int64
	At      time.Time
}

// Drive is the mutable, scheduler-owned state for one managed volume.
// It is keyed by its normalized letter (e.g. "E") and mutated only by
// the scheduler loop.
type Drive struct {
	Letter  string
	Type    DriveType
	PingDir string

	IntervalSec int // user-configured base cadence, before clamping
	Enabled     bool
	UserPaused  bool

	PhaseOffsetGrid int64 // constant for the drive's enable lifetime

	State        DriveState
	StatusReason string // "", "clamped", "hdd_capped" — display-only

	ConsecutiveFailures int
	QuarantineUntil     time.Time // zero if not quarantined
	QuarantineCount     int       // number of quarantine entries since last success, 0-11

	LastOutcomes []LastOutcome // ring buffer, capacity 3
	NextDue      time.Time

	TickCounter     int64
	LastTickAttempts int

	VolumeID string // opaque external identity, not interpreted by the core

	EnabledAt time.Time // when this enable period began; phase offset origin

	FiringIndex int64 // k in t_nom(k); advances once per completed firing

	// ForceWriteNext is set after a read finds no ping file yet, so the
	// drive's next firing writes one instead of reading it again.
	ForceWriteNext bool
}

// NormalizeLetter strips any trailing colon and upper-cases a drive
// letter so that "e:" and "E" key the same Drive.
func NormalizeLetter(letter string) string {
	letter = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(letter)), ":")
	return letter
}

// EffectiveIntervalSec returns IntervalSec raised to intervalMinSec
// for every drive type and, when the drive is an HDD, capped at
// hddMaxGapSec — for HDDs the gap clamp is a maximum, not a minimum.
func (d *Drive) EffectiveIntervalSec(intervalMinSec, hddMaxGapSec int) int {
	v := d.IntervalSec
	if v < intervalMinSec {
		v = intervalMinSec
	}
	if d.Type == HDD && v > hddMaxGapSec {
		v = hddMaxGapSec
	}
	return v
}

// PushOutcome records a probe result into the 3-entry ring buffer,
// most recent last.
func (d *Drive) PushOutcome(o LastOutcome) {
	d.LastOutcomes = append(d.LastOutcomes, o)
	if len(d.LastOutcomes) > 3 {
		d.LastOutcomes = d.LastOutcomes[len(d.LastOutcomes)-3:]
	}
}

// DefaultPingDir returns the conventional probe directory for a
// letter when no override was configured.
func DefaultPingDir(letter string) string {
	return letter + `:\.drive_revenant\`
}

package model

import "time"

// ScheduledOperation is a value-typed record describing one planned
// firing: a (letter, firing index, op kind) tuple plus its launch
// instant and packing telemetry. It never holds a reference into the
// planner's loop locals.
type ScheduledOperation struct {
	Letter       string
	FiringIndex  int64
	Op           OpKind
	At           time.Time
	JitterReason string // "in_window" | "overflow"

	// Packing telemetry.
	TieEpoch int64
	TieRank  int
	PackSize int
}

// DriveConfig is the external-facing configuration for one drive,
// passed to set_drive_config.
type DriveConfig struct {
	Letter      string
	IntervalSec int
	Type        DriveType
	Enabled     bool
	PingDir     string
}

// DriveInfo is what DriveEnumerator.List reports per drive.
type DriveInfo struct {
	Letter    string
	Type      DriveType
	SizeBytes int64
	Removable bool
	VolumeID  string
}

// DriveEnumerator discovers the set of managed volumes.
type DriveEnumerator interface {
	List() ([]DriveInfo, error)
}

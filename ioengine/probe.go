// Package ioengine performs the actual read/write probes against a
// drive's ping directory. It follows a write-to-temp-then-rename
// idiom for the write path, adapted here to add a bounded fsync and
// a lock-retry loop.
package ioengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"drive-revenant/model"
)

const pingFileName = "drive_revenant"

// Engine performs probes for all drives, parameterized by
// configurable bounds: the fsync budget, the lock retry window, and
// whether fsync is attempted at all.
type Engine struct {
	MaxFlush  time.Duration
	LockRetry time.Duration
	Fsync     bool
}

// New constructs an Engine with the given bounds.
func New(maxFlush, lockRetry time.Duration, fsync bool) *Engine {
	return &Engine{MaxFlush: maxFlush, LockRetry: lockRetry, Fsync: fsync}
}

// FailureClass coarsely classifies a probe failure for telemetry and
// for the PolicyArbiter's quarantine decision.
type FailureClass string

const (
	ClassNone       FailureClass = ""
	ClassLocked     FailureClass = "LOCKED"
	ClassDeviceGone FailureClass = "DEVICE_GONE"
	ClassIOFatal    FailureClass = "IO_FATAL"
)

// Probe performs one read or write operation against pingDir and
// returns the outcome plus a failure class for non-OK results.
func (e *Engine) Probe(pingDir string, op model.OpKind) (model.Outcome, FailureClass) {
	start := time.Now()

	if err := os.MkdirAll(pingDir, 0o755); err != nil {
		return model.Outcome{
			Code:     model.Error,
			Notes:    fmt.Sprintf("create ping dir: %v", err),
			Attempts: 1,
		}, ClassIOFatal
	}

	pingFile := filepath.Join(pingDir, pingFileName)

	if op == model.OpWrite {
		outcome, class := e.writeWithRetry(pingFile, start)
		outcome.LatencyMs = time.Since(start).Milliseconds()
		return outcome, class
	}
	outcome, class := e.readWithRetry(pingFile, start)
	outcome.LatencyMs = time.Since(start).Milliseconds()
	return outcome, class
}

func (e *Engine) readWithRetry(path string, start time.Time) (model.Outcome, FailureClass) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// No ping file yet is not a failure: the drive just hasn't been
		// written to. The scheduler forces a write on the next firing.
		return model.Outcome{Code: model.OK, Notes: "created", Attempts: 1}, ClassNone
	}

	deadline := start.Add(e.LockRetry)
	var lastErr error
	for attempt := 1; ; attempt++ {
		f, err := os.Open(path)
		if err == nil {
			_, readErr := io.Copy(io.Discard, f)
			f.Close()
			if readErr == nil {
				return model.Outcome{Code: model.OK, Attempts: attempt}, ClassNone
			}
			lastErr = readErr
		} else {
			lastErr = err
		}

		class := classify(lastErr)
		if class != ClassLocked {
			return model.Outcome{Code: model.Error, Notes: lastErr.Error(), Attempts: attempt}, class
		}
		if time.Now().After(deadline) {
			return model.Outcome{Code: model.SkipLocked, Notes: lastErr.Error(), Attempts: attempt}, class
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Engine) writeWithRetry(path string, start time.Time) (model.Outcome, FailureClass) {
	content := []byte(probeContent(start))
	deadline := start.Add(e.LockRetry)

	var lastErr error
	for attempt := 1; ; attempt++ {
		outcome, class, ok := e.writeOnce(path, content)
		outcome.Attempts = attempt
		if ok {
			return outcome, ClassNone
		}
		lastErr = errors.New(outcome.Notes)
		if class != ClassLocked {
			return outcome, class
		}
		if time.Now().After(deadline) {
			return model.Outcome{Code: model.SkipLocked, Notes: lastErr.Error(), Attempts: attempt}, class
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// writeOnce performs a single write attempt: stage to a UUID-suffixed
// temp file, optionally fsync it, then rename it into place atomically.
// The fsync always runs to completion; the wait is not cut off at
// MaxFlush. A flush that took longer than MaxFlush is reported as
// PARTIAL_FLUSH after the rename.
func (e *Engine) writeOnce(path string, content []byte) (model.Outcome, FailureClass, bool) {
	tmpPath := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return model.Outcome{Code: model.Error, Notes: err.Error()}, classify(err), false
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return model.Outcome{Code: model.Error, Notes: err.Error()}, classify(err), false
	}

	var flushDuration time.Duration
	if e.Fsync {
		flushStart := time.Now()
		// A failed fsync is ignored, not fatal — the data is on the
		// page cache and the rename below still lands it.
		_ = unix.Fsync(int(f.Fd()))
		flushDuration = time.Since(flushStart)
	}
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return model.Outcome{Code: model.Error, Notes: err.Error()}, classify(err), false
	}

	if e.Fsync && flushDuration > e.MaxFlush {
		return model.Outcome{
			Code:  model.PartialFlush,
			Notes: fmt.Sprintf("flush took %s (budget %s)", flushDuration, e.MaxFlush),
		}, ClassNone, true
	}
	return model.Outcome{Code: model.OK}, ClassNone, true
}

func probeContent(t time.Time) string {
	half := "0"
	if (t.UnixMilli()/500)%2 != 0 {
		half = "5"
	}
	return fmt.Sprintf("%d.%s", t.Unix(), half)
}

func classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, os.ErrNotExist) {
		return ClassDeviceGone
	}
	if errors.Is(err, os.ErrPermission) {
		return ClassLocked
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENODEV, unix.ENXIO, unix.ESTALE, unix.ENOENT:
			return ClassDeviceGone
		case unix.EBUSY, unix.EACCES, unix.EAGAIN:
			return ClassLocked
		}
	}
	return ClassIOFatal
}

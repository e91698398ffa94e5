package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"drive-revenant/clock"
	"drive-revenant/ioengine"
	"drive-revenant/model"
	"drive-revenant/policy"
)

type recordingSink struct {
	events []model.Event
}

func (s *recordingSink) Emit(e model.Event) { s.events = append(s.events, e) }

type staticInputs struct {
	inputs model.PolicyInputs
}

func (s staticInputs) Read() model.PolicyInputs { return s.inputs }

// varInputs is a PolicyInputsSource a test can mutate between Tick
// calls, for scenarios that toggle global pause mid-run.
type varInputs struct {
	inputs model.PolicyInputs
}

func (v *varInputs) Read() model.PolicyInputs { return v.inputs }

func newTestLoop(fc *clock.Fake) (*Loop, *recordingSink) {
	loop, sink, _ := newTestLoopWithInputs(fc, staticInputs{})
	return loop, sink
}

func newTestLoopWithInputs(fc *clock.Fake, inputs model.PolicyInputsSource) (*Loop, *recordingSink, *policy.Arbiter) {
	planner := NewPlanner(PlannerConfig{
		JitterSec:         2,
		HDDMaxGapSec:       600,
		DeadlineMarginSec: 0.3,
		IntervalMinSec:    3,
		InstallID:         "install-xyz",
	})
	arbiter := policy.NewArbiter(nil, 0, 5, 60)
	engine := ioengine.New(150*time.Millisecond, 750*time.Millisecond, false)
	sink := &recordingSink{}
	loop := NewLoop(LoopConfig{IntervalMinSec: 3, InstallID: "install-xyz"}, fc, planner, arbiter, engine, sink, inputs, nil)
	return loop, sink, arbiter
}

func alignedStart() time.Time {
	return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
}

// tickAt runs one Tick at t, first moving the fake clock up to t. While
// the tick waits in execute for a packed launch instant later than the
// fake clock, the clock is advanced one grid cell at a time until the
// tick returns.
func tickAt(loop *Loop, fc *clock.Fake, t time.Time) model.Snapshot {
	if d := t.Sub(fc.Now()); d > 0 {
		fc.Advance(d)
	}
	done := make(chan model.Snapshot, 1)
	go func() { done <- loop.Tick(t) }()
	for {
		select {
		case snap := <-done:
			return snap
		case <-time.After(10 * time.Millisecond):
			fc.Advance(clock.GridResolution)
		}
	}
}

// stepTo ticks the loop once per grid cell from its last tick up to and
// including t, as Run does, so no gap between two ticks is long enough
// to count as a clock jump. It returns the last Snapshot.
func stepTo(loop *Loop, fc *clock.Fake, t time.Time) model.Snapshot {
	var snap model.Snapshot
	for g := loop.lastTick.Add(clock.GridResolution); !g.After(t); g = g.Add(clock.GridResolution) {
		snap = tickAt(loop, fc, g)
	}
	return snap
}

func TestTickDoesNotFireImmediatelyOnEnable(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, sink := newTestLoop(fc)

	if err := loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dir,
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap := loop.Tick(fc.Now())
	if len(snap.Drives) != 1 {
		t.Fatalf("got %d drives, want 1", len(snap.Drives))
	}
	if snap.Drives[0].NextDue.Before(fc.Now().Add(500 * time.Millisecond)) {
		t.Fatalf("NextDue %v fires immediately relative to now %v", snap.Drives[0].NextDue, fc.Now())
	}
	for _, e := range sink.events {
		if e.Kind == model.EventProbe {
			t.Fatalf("unexpected probe on the enabling tick: %+v", e)
		}
	}
}

func TestTickExecutesProbeWhenDue(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, sink := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dir,
	}})
	snap := loop.Tick(fc.Now())
	nextDue := snap.Drives[0].NextDue

	snap = stepTo(loop, fc, nextDue)

	if snap.Drives[0].LastOutcomes == nil || len(snap.Drives[0].LastOutcomes) == 0 {
		t.Fatalf("expected a recorded outcome after the due tick")
	}
	if snap.Drives[0].LastOutcomes[0].Code != model.OK {
		t.Fatalf("got outcome code %v, want OK", snap.Drives[0].LastOutcomes[0].Code)
	}

	foundProbe := false
	for _, e := range sink.events {
		if e.Kind == model.EventProbe && e.Drive == "E" {
			foundProbe = true
		}
	}
	if !foundProbe {
		t.Fatalf("expected a probe event to be emitted")
	}
}

func TestUserPauseSurvivesGlobalResumeAndBlocksExecution(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, _ := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dir,
	}})
	snap := loop.Tick(fc.Now())
	nextDue := snap.Drives[0].NextDue

	loop.Enqueue(Command{Kind: CmdPauseDrive, Letter: "E"})

	snap = stepTo(loop, fc, nextDue)

	if snap.Drives[0].PolicyReason != model.ReasonUser {
		t.Fatalf("got policy reason %v, want user", snap.Drives[0].PolicyReason)
	}
	if len(snap.Drives[0].LastOutcomes) != 0 {
		t.Fatalf("drive should not have probed while user-paused")
	}
}

func TestReleaseQuarantineCommand(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, _ := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dir,
	}})
	snap := loop.Tick(fc.Now())
	_ = snap

	loop.drives["E"].State = model.Quarantined
	loop.drives["E"].QuarantineUntil = fc.Now().Add(time.Hour)
	loop.drives["E"].ConsecutiveFailures = 5

	loop.Enqueue(Command{Kind: CmdReleaseQuarantine, Letter: "E"})
	snap = loop.Tick(fc.Now())

	if snap.Drives[0].State != model.Active {
		t.Fatalf("got state %v, want Active after manual release", snap.Drives[0].State)
	}
}

func TestTickCounterAndLastTickAttemptsTrackQuarantineAndFreezeWhileQuarantined(t *testing.T) {
	// Point the ping dir at a path whose parent is a regular file, so
	// every probe fails deterministically at the MkdirAll step.
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	badDir := filepath.Join(blocker, "ping")

	fc := clock.NewFake(alignedStart())
	loop, _ := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 3, Enabled: true, PingDir: badDir,
	}})
	snap := loop.Tick(fc.Now())
	nextDue := snap.Drives[0].NextDue

	for i := 0; i < 5; i++ {
		snap = stepTo(loop, fc, nextDue)
		if snap.Drives[0].TickCounter != int64(i+1) {
			t.Fatalf("tick %d: TickCounter = %d, want %d", i, snap.Drives[0].TickCounter, i+1)
		}
		if snap.Drives[0].LastTickAttempts != 1 {
			t.Fatalf("tick %d: LastTickAttempts = %d, want 1 (a directory-create failure isn't retried)", i, snap.Drives[0].LastTickAttempts)
		}
		nextDue = snap.Drives[0].NextDue
	}

	if snap.Drives[0].State != model.Quarantined {
		t.Fatalf("expected quarantine after 5 consecutive failures, got %v", snap.Drives[0].State)
	}
	frozenTicks, frozenAttempts := snap.Drives[0].TickCounter, snap.Drives[0].LastTickAttempts

	fc.Advance(time.Second)
	snap = loop.Tick(fc.Now())
	if snap.Drives[0].TickCounter != frozenTicks || snap.Drives[0].LastTickAttempts != frozenAttempts {
		t.Fatalf("a quarantined drive must not accumulate further ticks: got TickCounter=%d LastTickAttempts=%d, want %d/%d",
			snap.Drives[0].TickCounter, snap.Drives[0].LastTickAttempts, frozenTicks, frozenAttempts)
	}
}

func TestGlobalPauseDeniesMidTickWithNoBacklogOnResume(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	inputs := &varInputs{}
	loop, sink, _ := newTestLoopWithInputs(fc, inputs)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 3, Enabled: true, PingDir: dir,
	}})
	snap := loop.Tick(fc.Now())
	nextDue := snap.Drives[0].NextDue

	inputs.inputs.GlobalPaused = true

	var lastTickCounter int64
	for i := 0; i < 3; i++ {
		fc.Advance(nextDue.Sub(fc.Now()))
		snap = loop.Tick(fc.Now())
		if snap.Drives[0].PolicyReason != model.ReasonGlobal {
			t.Fatalf("tick %d: got policy reason %v, want global", i, snap.Drives[0].PolicyReason)
		}
		if snap.Drives[0].TickCounter != lastTickCounter {
			t.Fatalf("tick %d: TickCounter advanced to %d despite a global-pause denial", i, snap.Drives[0].TickCounter)
		}
		if snap.Drives[0].NextDue.Equal(nextDue) || !snap.Drives[0].NextDue.After(nextDue) {
			t.Fatalf("tick %d: NextDue did not advance past a denied firing (no backlog expected)", i)
		}
		nextDue = snap.Drives[0].NextDue
	}

	inputs.inputs.GlobalPaused = false
	fc.Advance(nextDue.Sub(fc.Now()))
	snap = loop.Tick(fc.Now())
	if snap.Drives[0].PolicyReason != model.ReasonNone {
		t.Fatalf("got policy reason %v after resume, want none", snap.Drives[0].PolicyReason)
	}
	if snap.Drives[0].TickCounter != 1 {
		t.Fatalf("TickCounter = %d after resume, want exactly 1 (no flood of backlogged probes)", snap.Drives[0].TickCounter)
	}
	foundProbe := false
	for _, e := range sink.events {
		if e.Kind == model.EventProbe {
			foundProbe = true
		}
	}
	if !foundProbe {
		t.Fatalf("expected exactly one probe on resume")
	}
}

func TestSpacingHoldsAcrossConsecutiveTicksForCollidingDrives(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, sink := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dirA,
	}})
	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "F", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dirB,
	}})
	loop.Tick(fc.Now())

	// Force the two drives' next firings into adjacent grid cells so
	// their packed launches come from separate Tick calls.
	loop.drives["E"].NextDue = fc.Now().Add(2 * time.Second)
	loop.drives["F"].NextDue = fc.Now().Add(2*time.Second + 500*time.Millisecond)

	fc.Advance(2 * time.Second)
	loop.Tick(fc.Now())

	// F's packed launch lands a full write-write gap past this tick's
	// own grid cell; advance the real clock past that point first so
	// execute's wait-until-launch Sleep resolves immediately.
	secondTickNow := fc.Now().Add(500 * time.Millisecond)
	fc.Advance(time.Second)
	loop.Tick(secondTickNow)

	var probeTimes []time.Time
	for _, e := range sink.events {
		if e.Kind == model.EventProbe {
			probeTimes = append(probeTimes, e.TS)
		}
	}
	if len(probeTimes) != 2 {
		t.Fatalf("got %d probes, want 2", len(probeTimes))
	}
	// Both E and F fire their first-ever (write) probe, one per tick,
	// so the write-write floor of 1.0s must hold across the boundary.
	if gap := probeTimes[1].Sub(probeTimes[0]); gap < time.Second {
		t.Fatalf("writes on consecutive ticks spaced %v apart across the tick boundary, want >=1.0s", gap)
	}
}

func TestResumeSmoothingOnClockJump(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(alignedStart())
	loop, sink := newTestLoop(fc)

	loop.Enqueue(Command{Kind: CmdSetDriveConfig, Config: model.DriveConfig{
		Letter: "E", Type: model.SSD, IntervalSec: 30, Enabled: true, PingDir: dir,
	}})
	loop.Tick(fc.Now())

	fc.Set(fc.Now().Add(2 * time.Hour))
	snap := loop.Tick(fc.Now())

	gap := snap.Drives[0].NextDue.Sub(fc.Now())
	if gap > 2*time.Second+clock.GridResolution {
		t.Fatalf("resume smoothing left NextDue %s out from now, want <= ~2s", gap)
	}

	foundResume := false
	for _, e := range sink.events {
		if e.Kind == model.EventResumeSmooth {
			foundResume = true
		}
	}
	if !foundResume {
		t.Fatalf("expected a resume_smooth event after the clock jump")
	}
}

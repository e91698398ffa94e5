package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"drive-revenant/clock"
	"drive-revenant/ioengine"
	"drive-revenant/logging"
	"drive-revenant/model"
	"drive-revenant/policy"
)

// CommandKind enumerates the external intents the SchedulerLoop
// accepts over its bounded command channel.
type CommandKind int

const (
	CmdSetDriveConfig CommandKind = iota
	CmdPauseDrive
	CmdResumeDrive
	CmdReleaseQuarantine
	CmdPingNow
)

// Command is one queued mutation, drained and applied at the top of a
// tick so drive state is only ever touched by the scheduler task.
type Command struct {
	Kind   CommandKind
	Letter string
	Config model.DriveConfig
	Reply  chan error // optional; sent the apply result after the command applies
}

func (c Command) reply(err error) {
	if c.Reply == nil {
		return
	}
	c.Reply <- err
}

// ErrQueueFull is returned by Enqueue when the bounded command
// channel has no room — the caller should retry rather than block the
// scheduler task.
var ErrQueueFull = fmt.Errorf("scheduler: command queue full")

// LoopConfig carries the subset of config.Config the loop needs that
// isn't already captured by PlannerConfig or the policy Arbiter.
type LoopConfig struct {
	IntervalMinSec float64
	InstallID      string
}

// Loop is the SchedulerLoop (C5): the single task that owns planning,
// arbitration, and sequencing for every managed drive.
type Loop struct {
	clock   clock.Clock
	planner *Planner
	arbiter *policy.Arbiter
	engine  *ioengine.Engine
	sink    model.EventSink
	inputs  model.PolicyInputsSource
	logger  *slog.Logger

	intervalMinSec float64

	drives   map[string]*model.Drive
	commands chan Command

	observers []model.Observer

	lastTick time.Time

	lastOpLaunch   time.Time
	lastOpWasWrite bool

	snapMu  sync.RWMutex
	snap    model.Snapshot
	hasSnap bool
}

// NewLoop wires the collaborators for one SchedulerLoop instance.
func NewLoop(cfg LoopConfig, c clock.Clock, planner *Planner, arbiter *policy.Arbiter, engine *ioengine.Engine, sink model.EventSink, inputs model.PolicyInputsSource, logger *slog.Logger) *Loop {
	return &Loop{
		clock:          c,
		planner:        planner,
		arbiter:        arbiter,
		engine:         engine,
		sink:           sink,
		inputs:         inputs,
		logger:         logging.Ensure(logger),
		intervalMinSec: cfg.IntervalMinSec,
		drives:         make(map[string]*model.Drive),
		commands:       make(chan Command, 64),
	}
}

// Subscribe registers an observer that receives every published
// Snapshot. Intended to be called before Run starts.
func (l *Loop) Subscribe(o model.Observer) {
	l.observers = append(l.observers, o)
}

// Enqueue submits a command without blocking the caller. It returns
// ErrQueueFull if the bounded channel has no capacity.
func (l *Loop) Enqueue(cmd Command) error {
	select {
	case l.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Loop) driveOrder() []string {
	letters := make([]string, 0, len(l.drives))
	for letter := range l.drives {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	return letters
}

func (l *Loop) resumeThreshold() time.Duration {
	threshold := 2 * l.intervalMinSec
	if threshold < 5 {
		threshold = 5
	}
	return time.Duration(threshold * float64(time.Second))
}

// Tick executes one full scheduler cycle at the given instant and
// returns the resulting Snapshot. It is pure with respect to the
// Loop's collaborators (deterministic given a deterministic clock),
// which is what makes it directly unit-testable without Run's
// goroutine/timer plumbing.
func (l *Loop) Tick(now time.Time) model.Snapshot {
	l.drainCommands(now)
	l.applyResumeSmoothing(now)

	gridStart := clock.GridFloor(now)
	reasons := make(map[string]model.PolicyReason)

	for _, letter := range l.driveOrder() {
		d := l.drives[letter]
		if l.arbiter.ReleaseIfExpired(d, now) {
			l.sink.Emit(model.Event{Kind: model.EventQuarantineExit, TS: now, Drive: letter})
		}
		if d.Enabled && d.EnabledAt.IsZero() && d.State != model.Quarantined {
			l.planner.ScheduleFirst(d, now)
		}
	}

	activeDrives := make([]*model.Drive, 0, len(l.drives))
	for _, letter := range l.driveOrder() {
		activeDrives = append(activeDrives, l.drives[letter])
	}
	// Every drive's snapshot view carries its current policy reason,
	// whether or not it is due this tick.
	tickInputs := l.inputs.Read()
	for _, d := range activeDrives {
		reasons[d.Letter] = l.arbiter.Evaluate(d, tickInputs).Reason
	}
	due := DueDrives(activeDrives, gridStart)

	var firings []Firing
	var denied []*model.Drive
	for _, d := range due {
		interval := l.planner.EffectiveInterval(d)
		decision := l.arbiter.Evaluate(d, l.inputs.Read())
		reasons[d.Letter] = decision.Reason
		if !decision.Allow {
			// A denied-but-due firing still counts as fired for
			// scheduling purposes: next_due advances so a sustained
			// policy denial (global pause, battery, idle) does not
			// build up a backlog of missed firings to flush on resume.
			denied = append(denied, d)
			continue
		}
		firings = append(firings, Firing{Drive: d, Op: SelectOp(d, interval)})
	}

	ops := l.planner.Pack(firings, gridStart, l.lastOpLaunch, l.lastOpWasWrite)
	if len(ops) > 0 {
		tail := ops[len(ops)-1]
		l.lastOpLaunch = tail.At
		l.lastOpWasWrite = tail.Op == model.OpWrite
	}
	l.execute(ops)

	for _, op := range ops {
		d := l.drives[op.Letter]
		if d.State != model.Quarantined {
			l.planner.Advance(d, now)
		}
	}
	for _, d := range denied {
		l.planner.Advance(d, now)
	}

	snap := l.buildSnapshot(now, reasons)
	l.publish(snap)
	l.lastTick = now
	return snap
}

func (l *Loop) execute(ops []model.ScheduledOperation) {
	for _, op := range ops {
		d := l.drives[op.Letter]

		if wait := op.At.Sub(l.clock.Now()); wait > 0 {
			l.clock.Sleep(wait)
		}

		outcome, class := l.engine.Probe(d.PingDir, op.Op)
		now := l.clock.Now()

		if op.Op == model.OpRead && outcome.Code == model.OK && outcome.Notes == "created" {
			d.ForceWriteNext = true
		}

		d.PushOutcome(model.LastOutcome{Op: op.Op, Code: outcome.Code, Latency: outcome.LatencyMs, At: now})
		d.TickCounter++
		d.LastTickAttempts = outcome.Attempts

		enteredQuarantine := l.arbiter.RecordOutcome(d, outcome, now)

		l.sink.Emit(model.Event{
			Kind:      model.EventProbe,
			TS:        now,
			MonoMs:    now.UnixMilli(),
			Drive:     op.Letter,
			Op:        op.Op,
			Code:      outcome.Code,
			LatencyMs: outcome.LatencyMs,
			TieEpoch:  op.TieEpoch,
			TieRank:   op.TieRank,
			PackSize:  op.PackSize,
			Notes:     fmt.Sprintf("%s %s", outcome.Notes, class),
		})

		if enteredQuarantine {
			l.sink.Emit(model.Event{Kind: model.EventQuarantineEnter, TS: now, Drive: op.Letter})
			l.logger.Warn("drive quarantined", "drive", op.Letter, "consecutive_failures", d.ConsecutiveFailures)
		}
	}
}

func (l *Loop) applyResumeSmoothing(now time.Time) {
	if l.lastTick.IsZero() {
		return
	}
	if now.Sub(l.lastTick) <= l.resumeThreshold() {
		return
	}

	smoothed := 0
	for _, letter := range l.driveOrder() {
		d := l.drives[letter]
		if d.State == model.Quarantined {
			continue
		}
		ResetPhaseOffset(d)
		l.planner.EnsurePhaseOffset(d, now)
		d.FiringIndex = 0

		interval := l.planner.EffectiveInterval(d)
		delay := 2 * time.Second
		if half := time.Duration(0.5 * interval * float64(time.Second)); half < delay {
			delay = half
		}
		d.NextDue = clock.GridFloor(now.Add(delay).Add(clock.GridResolution - time.Nanosecond))
		smoothed++
	}

	if smoothed > 0 {
		l.sink.Emit(model.Event{
			Kind:  model.EventResumeSmooth,
			TS:    now,
			Notes: fmt.Sprintf("clock jump of %s detected, %d drives resynced", now.Sub(l.lastTick), smoothed),
		})
	}
}

func (l *Loop) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-l.commands:
			cmd.reply(l.apply(cmd, now))
		default:
			return
		}
	}
}

func (l *Loop) apply(cmd Command, now time.Time) error {
	switch cmd.Kind {
	case CmdSetDriveConfig:
		letter := model.NormalizeLetter(cmd.Config.Letter)
		d, ok := l.drives[letter]
		if !ok {
			d = &model.Drive{Letter: letter}
			l.drives[letter] = d
		}
		d.Type = cmd.Config.Type
		d.IntervalSec = cmd.Config.IntervalSec
		d.Enabled = cmd.Config.Enabled
		d.PingDir = cmd.Config.PingDir
		if d.PingDir == "" {
			d.PingDir = model.DefaultPingDir(letter)
		}
		l.sink.Emit(model.Event{Kind: model.EventPolicyChange, TS: now, Drive: letter, Notes: "set_drive_config"})
		return nil
	case CmdPauseDrive:
		d, ok := l.drives[model.NormalizeLetter(cmd.Letter)]
		if !ok {
			return fmt.Errorf("scheduler: unknown drive %q", cmd.Letter)
		}
		d.UserPaused = true
		l.sink.Emit(model.Event{Kind: model.EventPolicyChange, TS: now, Drive: d.Letter, Notes: "pause_drive"})
		return nil
	case CmdResumeDrive:
		d, ok := l.drives[model.NormalizeLetter(cmd.Letter)]
		if !ok {
			return fmt.Errorf("scheduler: unknown drive %q", cmd.Letter)
		}
		d.UserPaused = false
		l.sink.Emit(model.Event{Kind: model.EventPolicyChange, TS: now, Drive: d.Letter, Notes: "resume_drive"})
		return nil
	case CmdReleaseQuarantine:
		d, ok := l.drives[model.NormalizeLetter(cmd.Letter)]
		if !ok {
			return fmt.Errorf("scheduler: unknown drive %q", cmd.Letter)
		}
		l.arbiter.ReleaseManual(d)
		l.sink.Emit(model.Event{Kind: model.EventQuarantineExit, TS: now, Drive: d.Letter, Notes: "manual_release"})
		return nil
	case CmdPingNow:
		d, ok := l.drives[model.NormalizeLetter(cmd.Letter)]
		if !ok {
			return fmt.Errorf("scheduler: unknown drive %q", cmd.Letter)
		}
		d.NextDue = now
		return nil
	default:
		return fmt.Errorf("scheduler: unknown command kind %d", cmd.Kind)
	}
}

func (l *Loop) buildSnapshot(now time.Time, reasons map[string]model.PolicyReason) model.Snapshot {
	views := make([]model.DriveView, 0, len(l.drives))
	for _, letter := range l.driveOrder() {
		d := l.drives[letter]
		var remaining time.Duration
		if d.State == model.Quarantined {
			remaining = d.QuarantineUntil.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
		}
		views = append(views, model.DriveView{
			Letter:              d.Letter,
			Type:                d.Type,
			State:               d.State,
			IntervalSec:         d.IntervalSec,
			NextDue:             d.NextDue,
			SecondsUntilNext:    d.NextDue.Sub(now).Seconds(),
			LastOutcomes:        append([]model.LastOutcome(nil), d.LastOutcomes...),
			QuarantineRemaining: remaining,
			PolicyReason:        reasons[d.Letter],
			StatusReason:        d.StatusReason,
			ConsecutiveFailures: d.ConsecutiveFailures,
			QuarantineCount:     d.QuarantineCount,
			TickCounter:         d.TickCounter,
			LastTickAttempts:    d.LastTickAttempts,
		})
	}
	inputs := l.inputs.Read()
	pauseReason := ""
	if inputs.GlobalPaused {
		pauseReason = "global"
	}
	return model.Snapshot{
		TakenAt: now,
		Drives:  views,
		Global: model.GlobalView{
			Paused:      inputs.GlobalPaused,
			PauseReason: pauseReason,
			Now:         now,
		},
	}
}

func (l *Loop) publish(snap model.Snapshot) {
	l.snapMu.Lock()
	l.snap, l.hasSnap = snap, true
	l.snapMu.Unlock()

	for _, o := range l.observers {
		o.OnSnapshot(snap)
	}
}

// Latest returns the most recently published Snapshot, or the zero
// Snapshot with ok=false if Tick has never run.
func (l *Loop) Latest() (model.Snapshot, bool) {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap, l.hasSnap
}

// Run drives Tick off the wall clock until ctx is cancelled, honoring
// a 2000ms bounded cancellation drain: an in-flight tick is given up
// to 2s to finish before the loop gives up on it and returns.
func (l *Loop) Run(ctx context.Context) error {
	for {
		now := l.clock.Now()
		next := clock.GridFloor(now).Add(clock.GridResolution)
		wait := next.Sub(now)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		done := make(chan struct{})
		go func() {
			l.Tick(l.clock.Now())
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			select {
			case <-done:
			case <-time.After(2000 * time.Millisecond):
				l.logger.Warn("scheduler loop: tick abandoned at shutdown drain deadline")
			}
			return ctx.Err()
		}
	}
}

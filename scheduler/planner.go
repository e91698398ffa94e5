// Package scheduler implements the JitterPlanner and SchedulerLoop: a
// drift-free, deterministic, collision-aware planner and the tick
// orchestration that drives it.
package scheduler

import (
	"math"
	"sort"
	"time"

	"drive-revenant/clock"
	"drive-revenant/model"
)

// PlannerConfig is the subset of config.Config the planner needs,
// expressed as a closed record so the package does not import the
// config package (keeps scheduler testable without a YAML file).
type PlannerConfig struct {
	JitterSec         float64
	HDDMaxGapSec      float64
	DeadlineMarginSec float64
	IntervalMinSec    float64
	InstallID         string
}

// Planner computes firing instants deterministically from a fixed
// per-drive origin: this is computed from a fixed origin, not by
// adding to the previous firing, so no drift accumulates. It holds no
// mutable per-drive state of its own; all state lives on the
// model.Drive values the caller passes in.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner constructs a Planner bound to a fixed configuration.
func NewPlanner(cfg PlannerConfig) *Planner {
	return &Planner{cfg: cfg}
}

// EnsurePhaseOffset derives and fixes d.PhaseOffsetGrid the first time
// a drive is enabled. Calling it again on an already-enabled drive is
// a no-op — the offset is constant for the drive's lifetime until
// disabled and re-enabled.
func (p *Planner) EnsurePhaseOffset(d *model.Drive, now time.Time) {
	if !d.EnabledAt.IsZero() {
		return
	}
	d.EnabledAt = clock.GridFloor(now)
	interval := float64(d.IntervalSec)
	if interval < p.cfg.IntervalMinSec {
		interval = p.cfg.IntervalMinSec
	}
	cells := int64(interval / 0.5)
	if cells < 1 {
		cells = 1
	}
	h := keyedHash(p.cfg.InstallID, d.Letter, localDate(now))
	d.PhaseOffsetGrid = int64(h % uint64(cells))
}

// ResetPhaseOffset clears the enable-period origin, forcing the next
// EnsurePhaseOffset call to re-derive it — used when a drive is
// disabled and re-enabled.
func ResetPhaseOffset(d *model.Drive) {
	d.EnabledAt = time.Time{}
	d.PhaseOffsetGrid = 0
}

func localDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// nominalFiring returns t_nom(k) = grid_floor(t_enable) + phase_offset + k*interval_sec.
func (p *Planner) nominalFiring(d *model.Drive, k int64, intervalSec float64) time.Time {
	origin := d.EnabledAt.Add(time.Duration(float64(d.PhaseOffsetGrid)*0.5*1000) * time.Millisecond)
	return origin.Add(time.Duration(k) * time.Duration(intervalSec*float64(time.Second)))
}

// jitterOffset computes offset(d,k), applying the jitter window and
// HDD guard bounds, snapped to the grid.
func (p *Planner) jitterOffset(d *model.Drive, k int64, now time.Time) time.Duration {
	h := keyedHash(p.cfg.InstallID, d.Letter, itoa(k), localDate(now))
	lo, hi := -p.cfg.JitterSec, p.cfg.JitterSec
	if d.Type == model.HDD {
		hi = p.cfg.DeadlineMarginSec
	}
	offsetSec := snapToGrid(mapToRange(h, lo, hi))
	return time.Duration(offsetSec * float64(time.Second))
}

func itoa(k int64) string {
	// Avoid importing strconv twice across files; tiny local helper.
	if k == 0 {
		return "0"
	}
	neg := k < 0
	if neg {
		k = -k
	}
	var buf [20]byte
	i := len(buf)
	for k > 0 {
		i--
		buf[i] = byte('0' + k%10)
		k /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// EffectiveInterval returns the drive's interval after the HDD/min
// clamp (the clamp is a maximum against hdd_max_gap_sec, not a
// minimum), and records which clamp (if any) applied in
// d.StatusReason for display. HDD-capped takes precedence over
// clamped when both would apply.
func (p *Planner) EffectiveInterval(d *model.Drive) float64 {
	v := float64(d.IntervalSec)
	reason := ""
	if v < p.cfg.IntervalMinSec {
		v = p.cfg.IntervalMinSec
		reason = "clamped"
	}
	if d.Type == model.HDD && v > p.cfg.HDDMaxGapSec {
		v = p.cfg.HDDMaxGapSec
		reason = "hdd_capped"
	}
	d.StatusReason = reason
	return v
}

// ScheduleFirst sets d.NextDue for a freshly enabled drive: the
// earliest firing at or after now that still respects the "no
// immediate fire" invariant (next_due >= now + 0.5s).
func (p *Planner) ScheduleFirst(d *model.Drive, now time.Time) {
	p.EnsurePhaseOffset(d, now)
	d.FiringIndex = 0
	p.advanceTo(d, now, 0)
}

// Advance computes the drive's next firing after the one that just
// executed at firing index d.FiringIndex, incrementing the index.
func (p *Planner) Advance(d *model.Drive, now time.Time) {
	p.advanceTo(d, now, d.FiringIndex+1)
}

func (p *Planner) advanceTo(d *model.Drive, now time.Time, k int64) {
	interval := p.EffectiveInterval(d)
	nominal := p.nominalFiring(d, k, interval)
	jitter := p.jitterOffset(d, k, now)
	candidate := nominal.Add(jitter)

	// HDD guard: no two consecutive firings may exceed hdd_max_gap_sec
	// of actual separation. Pull earlier by whole grid cells if needed.
	if d.Type == model.HDD && !d.NextDue.IsZero() {
		maxGap := time.Duration(p.cfg.HDDMaxGapSec * float64(time.Second))
		for candidate.Sub(d.NextDue) > maxGap {
			candidate = candidate.Add(-clock.GridResolution)
		}
	}

	floor := now.Add(500 * time.Millisecond)
	if candidate.Before(floor) {
		candidate = floor
	}
	candidate = clock.GridFloor(candidate.Add(clock.GridResolution - time.Nanosecond))

	d.NextDue = candidate
	d.FiringIndex = k
}

// SelectOp chooses the probe kind for a firing: every firing is a
// write for HDD; for SSD/Removable, the first firing and every Nth
// (N=ceil(interval/30)) is a write, the rest are reads — except that a
// pending ForceWriteNext (set after a read found no ping file yet)
// always wins and is cleared once consumed.
func SelectOp(d *model.Drive, interval float64) model.OpKind {
	if d.ForceWriteNext {
		d.ForceWriteNext = false
		return model.OpWrite
	}
	if d.Type == model.HDD {
		return model.OpWrite
	}
	n := int64(math.Ceil(interval / 30))
	if n < 1 {
		n = 1
	}
	if d.FiringIndex%n == 0 {
		return model.OpWrite
	}
	return model.OpRead
}

// DueDrives filters drives whose NextDue falls within the grid cell
// [gridStart, gridStart+500ms) — the set the SchedulerLoop asks about
// once per tick.
func DueDrives(drives []*model.Drive, gridStart time.Time) []*model.Drive {
	end := gridStart.Add(clock.GridResolution)
	var due []*model.Drive
	for _, d := range drives {
		if d.State != model.Active {
			continue
		}
		if !d.NextDue.Before(gridStart) && d.NextDue.Before(end) {
			due = append(due, d)
		} else if d.NextDue.Before(gridStart) {
			// A firing that is overdue (e.g. the loop fell behind)
			// is still due this tick — never dropped.
			due = append(due, d)
		}
	}
	return due
}

// Pack assigns launch instants to the given (drive, op) firings in
// deterministic pack order, honoring the spacing invariants: >=0.5s
// between any two ops, >=1.0s between two writes. prevLaunch/prevWasWrite
// seed the spacing state from the tail of the previous tick's packed
// ops, so two firings that land in adjacent grid cells (and therefore
// different Tick calls) still can't execute closer than the required
// spacing — the same way a persistent operation queue would. Pass a
// zero prevLaunch for the very first tick. It returns the firings
// sorted into execution order with PackSize/TieEpoch/TieRank/At
// populated.
func (p *Planner) Pack(firings []Firing, tickStart time.Time, prevLaunch time.Time, prevWasWrite bool) []model.ScheduledOperation {
	epoch := clock.GridCell(tickStart)

	sort.SliceStable(firings, func(i, j int) bool {
		wi, wj := firings[i].Op == model.OpWrite, firings[j].Op == model.OpWrite
		if wi != wj {
			return wi // writes first
		}
		hi := keyedHash(p.cfg.InstallID, firings[i].Drive.Letter, itoa(epoch))
		hj := keyedHash(p.cfg.InstallID, firings[j].Drive.Letter, itoa(epoch))
		return hi < hj
	})

	ops := make([]model.ScheduledOperation, 0, len(firings))
	launch := tickStart
	lastAt := prevLaunch
	var lastWrite time.Time
	if prevWasWrite {
		lastWrite = prevLaunch
	}
	havePrev := !prevLaunch.IsZero()
	for rank, f := range firings {
		if havePrev {
			minGap := 500 * time.Millisecond
			if !lastWrite.IsZero() && f.Op == model.OpWrite {
				minGap = 1 * time.Second
			}
			if launch.Sub(lastAt) < minGap {
				launch = lastAt.Add(minGap)
			}
		}
		reason := "in_window"
		if launch.Sub(tickStart) >= clock.GridResolution {
			reason = "overflow"
		}
		ops = append(ops, model.ScheduledOperation{
			Letter:       f.Drive.Letter,
			FiringIndex:  f.Drive.FiringIndex,
			Op:           f.Op,
			At:           launch,
			JitterReason: reason,
			TieEpoch:     epoch,
			TieRank:      rank,
			PackSize:     len(firings),
		})
		if f.Op == model.OpWrite {
			lastWrite = launch
		}
		lastAt = launch
		havePrev = true
	}
	return ops
}

// Firing pairs a due drive with the op kind chosen for it, before
// packing assigns a launch instant. It is a value-typed record, not a
// loop-local reference, so it is safe to carry across goroutines or
// store in a slice without aliasing surprises.
type Firing struct {
	Drive *model.Drive
	Op    model.OpKind
}

// Package policy implements the PolicyArbiter: precedence-ordered
// evaluation of global/battery/idle/per-drive/user state, plus the
// quarantine state machine driven by consecutive probe failures.
package policy

import (
	"time"

	"drive-revenant/model"
)

// Arbiter evaluates Decisions for scheduled operations against a
// drive's lifecycle state and the external PolicyInputs, in the
// configured precedence order.
type Arbiter struct {
	Precedence         []model.PrecedenceRule
	IdlePauseMin       float64 // minutes; 0 disables the rule
	ErrorQuarantineAfter int
	ErrorQuarantineSec   float64
}

// NewArbiter constructs an Arbiter with the given precedence and
// thresholds. An empty precedence falls back to model.DefaultPrecedence.
func NewArbiter(precedence []model.PrecedenceRule, idlePauseMin float64, quarantineAfter int, quarantineSec float64) *Arbiter {
	if len(precedence) == 0 {
		precedence = model.DefaultPrecedence()
	}
	return &Arbiter{
		Precedence:           precedence,
		IdlePauseMin:         idlePauseMin,
		ErrorQuarantineAfter: quarantineAfter,
		ErrorQuarantineSec:   quarantineSec,
	}
}

// Evaluate decides whether the drive's scheduled operation may run:
// user pause wins unconditionally; quarantine and offline are
// inherent states that block regardless of policy; otherwise the
// configured precedence list is walked in order and the first
// matching condition wins.
func (a *Arbiter) Evaluate(d *model.Drive, inputs model.PolicyInputs) model.Decision {
	if d.UserPaused {
		return model.Decision{Allow: false, Reason: model.ReasonUser}
	}
	if d.State == model.Quarantined {
		return model.Decision{Allow: false, Reason: model.ReasonQuarantine}
	}
	if d.State == model.Offline {
		return model.Decision{Allow: false, Reason: model.ReasonOffline}
	}

	for _, rule := range a.Precedence {
		switch rule {
		case model.RuleGlobalPause:
			if inputs.GlobalPaused {
				return model.Decision{Allow: false, Reason: model.ReasonGlobal}
			}
		case model.RuleBattery:
			if inputs.OnBattery {
				return model.Decision{Allow: false, Reason: model.ReasonBattery}
			}
		case model.RuleIdle:
			if a.IdlePauseMin > 0 && inputs.IdleSeconds >= a.IdlePauseMin*60 {
				return model.Decision{Allow: false, Reason: model.ReasonIdle}
			}
		case model.RulePerDriveDisable:
			if !d.Enabled {
				return model.Decision{Allow: false, Reason: model.ReasonPerDriveDisable}
			}
		}
	}

	return model.Decision{Allow: true, Reason: model.ReasonNone}
}

// RecordOutcome applies the schedule-impact and quarantine rules to a
// drive after a probe completes: PARTIAL_FLUSH and OK both reset
// consecutive_failures; ERROR increments it and, at the configured
// threshold, transitions the drive into Quarantined. It reports
// whether this call caused a quarantine-enter transition.
func (a *Arbiter) RecordOutcome(d *model.Drive, outcome model.Outcome, now time.Time) (enteredQuarantine bool) {
	if outcome.CountsAsSuccess() {
		d.ConsecutiveFailures = 0
		d.QuarantineCount = 0
		return false
	}
	if outcome.Code != model.Error {
		// SKIP_LOCKED is neutral: no schedule or failure-count impact.
		return false
	}

	d.ConsecutiveFailures++
	if d.ConsecutiveFailures >= a.ErrorQuarantineAfter {
		d.State = model.Quarantined
		d.QuarantineUntil = now.Add(time.Duration(a.ErrorQuarantineSec * float64(time.Second)))
		if d.QuarantineCount < 11 {
			d.QuarantineCount++
		}
		d.NextDue = d.QuarantineUntil
		return true
	}
	return false
}

// ReleaseIfExpired transitions a quarantined drive back to Active
// once quarantine_until has passed, resetting consecutive_failures.
// It reports whether a quarantine-exit transition happened.
func (a *Arbiter) ReleaseIfExpired(d *model.Drive, now time.Time) bool {
	if d.State != model.Quarantined {
		return false
	}
	if now.Before(d.QuarantineUntil) {
		return false
	}
	d.State = model.Active
	d.ConsecutiveFailures = 0
	d.QuarantineUntil = time.Time{}
	return true
}

// ReleaseManual forces a drive out of quarantine immediately, for the
// release_quarantine external command.
func (a *Arbiter) ReleaseManual(d *model.Drive) {
	d.State = model.Active
	d.ConsecutiveFailures = 0
	d.QuarantineUntil = time.Time{}
}

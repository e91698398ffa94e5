package model

import "strings"

// PolicyReason is the fixed set of reasons a PolicyArbiter can return
// for denying (or allowing) a scheduled operation.
type PolicyReason int

const (
	ReasonNone PolicyReason = iota
	ReasonUser
	ReasonGlobal
	ReasonBattery
	ReasonIdle
	ReasonPerDriveDisable
	ReasonQuarantine
	ReasonOffline
)

func (r PolicyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUser:
		return "user"
	case ReasonGlobal:
		return "global"
	case ReasonBattery:
		return "battery"
	case ReasonIdle:
		return "idle"
	case ReasonPerDriveDisable:
		return "per_drive_disable"
	case ReasonQuarantine:
		return "quarantine"
	case ReasonOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (r PolicyReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *PolicyReason) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "none":
		*r = ReasonNone
	case "user":
		*r = ReasonUser
	case "global":
		*r = ReasonGlobal
	case "battery":
		*r = ReasonBattery
	case "idle":
		*r = ReasonIdle
	case "per_drive_disable":
		*r = ReasonPerDriveDisable
	case "quarantine":
		*r = ReasonQuarantine
	case "offline":
		*r = ReasonOffline
	default:
		*r = ReasonNone
	}
	return nil
}

// PrecedenceRule is one entry in the configured policy evaluation
// order. user/quarantine/offline are always evaluated
// first/unconditionally and are not part of this configurable list.
type PrecedenceRule int

const (
	RuleGlobalPause PrecedenceRule = iota
	RuleBattery
	RuleIdle
	RulePerDriveDisable
)

// DefaultPrecedence is the default policy_precedence evaluation order.
func DefaultPrecedence() []PrecedenceRule {
	return []PrecedenceRule{RuleGlobalPause, RuleBattery, RuleIdle, RulePerDriveDisable}
}

func (r PrecedenceRule) String() string {
	switch r {
	case RuleGlobalPause:
		return "global_pause"
	case RuleBattery:
		return "battery"
	case RuleIdle:
		return "idle"
	case RulePerDriveDisable:
		return "per_drive_disable"
	default:
		return "unknown"
	}
}

// ParsePrecedence converts the config file's policy_precedence string
// list into PrecedenceRule values, skipping names it doesn't
// recognize (config.Validate already rejects such names at load).
func ParsePrecedence(names []string) []PrecedenceRule {
	rules := make([]PrecedenceRule, 0, len(names))
	for _, name := range names {
		switch name {
		case "global_pause":
			rules = append(rules, RuleGlobalPause)
		case "battery":
			rules = append(rules, RuleBattery)
		case "idle":
			rules = append(rules, RuleIdle)
		case "per_drive_disable":
			rules = append(rules, RulePerDriveDisable)
		}
	}
	return rules
}

// PolicyInputs is the external, polled-once-per-tick state consumed
// by the PolicyArbiter.
type PolicyInputs struct {
	GlobalPaused bool
	OnBattery    bool
	IdleSeconds  float64
}

// PolicyInputsSource is implemented by the external collaborator that
// supplies PolicyInputs.
type PolicyInputsSource interface {
	Read() PolicyInputs
}

// Decision is the PolicyArbiter's verdict for one scheduled operation.
type Decision struct {
	Allow  bool
	Reason PolicyReason
}

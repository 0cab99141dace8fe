// Package safety implements a freshness-driven safety supervisor: sources
// (heartbeats, commands, sensor feeds) are required to report aliveness
// periodically; once one goes stale the policy degrades, and if staleness
// persists past a per-source escalation window it locks into Emergency
// until explicitly reset.
package safety

import (
	"fmt"

	isobus "github.com/robolibs/isobus-sub002"
)

// DegradedAction is the mitigation a stale source calls for. Ordinal value
// doubles as severity: a higher value always outranks a lower one when
// several sources are stale at once.
type DegradedAction int

const (
	DegradedActionHoldLast DegradedAction = iota
	DegradedActionRampDown
	DegradedActionDisable
	DegradedActionImmediate
)

func (a DegradedAction) String() string {
	switch a {
	case DegradedActionHoldLast:
		return "HoldLast"
	case DegradedActionRampDown:
		return "RampDown"
	case DegradedActionImmediate:
		return "Immediate"
	case DegradedActionDisable:
		return "Disable"
	default:
		return "Unknown"
	}
}

// SafeState is the policy's overall verdict.
type SafeState int

const (
	StateNormal SafeState = iota
	StateDegraded
	StateEmergency
)

func (s SafeState) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateDegraded:
		return "Degraded"
	case StateEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// FreshnessRequirement binds one named source to its own staleness
// threshold, escalation window, and mitigation.
type FreshnessRequirement struct {
	Name         string
	MaxAgeMs     int64
	EscalationMs int64
	Action       DegradedAction
}

// Config holds policy-wide settings. Policy reads only
// DefaultDegradedAction, which CurrentAction returns when no source is
// currently stale. HeartbeatTimeoutMs, CommandFreshnessMs and
// EscalationDelayMs are stored but not read: staleness and escalation come
// from each FreshnessRequirement alone.
type Config struct {
	HeartbeatTimeoutMs    int64
	CommandFreshnessMs    int64
	EscalationDelayMs     int64
	DefaultDegradedAction DegradedAction
}

// NewConfig returns a Config with DefaultDegradedAction set to HoldLast.
func NewConfig() Config {
	return Config{DefaultDegradedAction: DegradedActionHoldLast}
}

func (c Config) WithHeartbeatTimeout(ms int64) Config   { c.HeartbeatTimeoutMs = ms; return c }
func (c Config) WithCommandFreshness(ms int64) Config   { c.CommandFreshnessMs = ms; return c }
func (c Config) WithEscalationDelay(ms int64) Config    { c.EscalationDelayMs = ms; return c }
func (c Config) WithDefaultDegradedAction(a DegradedAction) Config {
	c.DefaultDegradedAction = a
	return c
}

// StateChange is delivered through Policy.OnStateChange whenever SafeState
// actually transitions.
type StateChange struct {
	Old SafeState
	New SafeState
}

type sourceTracker struct {
	req            FreshnessRequirement
	ageMs          int64
	staleElapsedMs int64
	wasStale       bool
}

// Policy is the safety supervisor: one per machine or per subsystem.
type Policy struct {
	cfg     Config
	state   SafeState
	sources []*sourceTracker
	byName  map[string]*sourceTracker

	haveWorstAction bool
	worstAction     DegradedAction

	OnStateChange   isobus.Event[StateChange]
	OnSourceTimeout isobus.Event[string]
	OnEmergency     isobus.Event[string]
}

// NewPolicy creates a Policy with default configuration.
func NewPolicy() *Policy {
	return NewPolicyWithConfig(NewConfig())
}

// NewPolicyWithConfig creates a Policy with an explicit Config.
func NewPolicyWithConfig(cfg Config) *Policy {
	return &Policy{cfg: cfg, byName: make(map[string]*sourceTracker)}
}

// RequireFreshness registers a new source the policy must track.
func (p *Policy) RequireFreshness(req FreshnessRequirement) {
	t := &sourceTracker{req: req}
	p.sources = append(p.sources, t)
	p.byName[req.Name] = t
}

// ReportAlive resets name's staleness clock to zero.
func (p *Policy) ReportAlive(name string) {
	if t, ok := p.byName[name]; ok {
		t.ageMs = 0
	}
}

// State reports the policy's current verdict.
func (p *Policy) State() SafeState {
	return p.state
}

// IsSafe is a shorthand for State() == StateNormal.
func (p *Policy) IsSafe() bool {
	return p.state == StateNormal
}

// IsDegraded is a shorthand for State() == StateDegraded.
func (p *Policy) IsDegraded() bool {
	return p.state == StateDegraded
}

// CurrentAction returns the worst-ranked action among currently-stale
// sources, or Config.DefaultDegradedAction if none are stale.
func (p *Policy) CurrentAction() DegradedAction {
	if p.haveWorstAction {
		return p.worstAction
	}
	return p.cfg.DefaultDegradedAction
}

// TriggerEmergency forces Emergency immediately regardless of current
// state, for an operator-initiated or externally-detected fault.
func (p *Policy) TriggerEmergency(reason string) {
	p.setState(StateEmergency)
	p.OnEmergency.Emit(reason)
}

// ResetToNormal is the only way out of Emergency: it also clears every
// source's staleness clock, so a subsequent small Update does not
// immediately re-trigger on stale history.
func (p *Policy) ResetToNormal() {
	for _, t := range p.sources {
		t.ageMs = 0
		t.staleElapsedMs = 0
		t.wasStale = false
	}
	p.haveWorstAction = false
	p.setState(StateNormal)
}

// Update advances every source's staleness clock by elapsedMs. Emergency is
// sticky: once set, only ResetToNormal leaves it, and Update returns early
// without touching any clock evaluation.
func (p *Policy) Update(elapsedMs int64) {
	if p.state == StateEmergency {
		return
	}

	anyStale := false
	p.haveWorstAction = false

	for _, t := range p.sources {
		t.ageMs += elapsedMs
		stale := t.ageMs > t.req.MaxAgeMs

		if stale {
			if t.wasStale {
				t.staleElapsedMs += elapsedMs
			} else {
				t.staleElapsedMs = 0
				p.OnSourceTimeout.Emit(t.req.Name)
			}
			anyStale = true
			if !p.haveWorstAction || t.req.Action > p.worstAction {
				p.worstAction = t.req.Action
				p.haveWorstAction = true
			}
			if t.staleElapsedMs > t.req.EscalationMs {
				t.wasStale = stale
				p.setState(StateEmergency)
				p.OnEmergency.Emit(fmt.Sprintf("freshness escalation: %s", t.req.Name))
				return
			}
		} else {
			t.staleElapsedMs = 0
		}
		t.wasStale = stale
	}

	if anyStale {
		p.setState(StateDegraded)
	} else {
		p.setState(StateNormal)
	}
}

func (p *Policy) setState(s SafeState) {
	old := p.state
	p.state = s
	if old != s {
		p.OnStateChange.Emit(StateChange{Old: old, New: s})
	}
}

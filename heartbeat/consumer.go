package heartbeat

import (
	isobus "github.com/robolibs/isobus-sub002"
)

// State is a consumer's view of its peer's liveness.
type State int

const (
	StateNormal State = iota
	StateSequenceError
	StateCommError
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "Normal"
	case StateSequenceError:
		return "SequenceError"
	case StateCommError:
		return "CommError"
	default:
		return "Unknown"
	}
}

// CommTimeoutMs is how long a consumer will wait since the last heartbeat
// (any value except the ignored reserved 252 and 253) before declaring the
// link dead.
const CommTimeoutMs int64 = 300

// MaxJump is the largest forward sequence jump tolerated without flagging a
// sequence error.
const MaxJump = 3

// RecoveryThreshold is how many consecutive valid sequences are required to
// clear a SequenceError back to Normal.
const RecoveryThreshold = 8

// StateChange is delivered through Consumer.OnStateChange whenever State
// actually transitions.
type StateChange struct {
	Old State
	New State
}

// Consumer tracks one peer's heartbeat sequence and raises events for the
// conditions a watchdog cares about: reset, sender-reported error, sender
// shutdown, and state transitions.
type Consumer struct {
	state           State
	firstReceived   bool
	lastSequence    byte
	recoveryCounter int
	timerMs         int64

	OnStateChange       isobus.Event[StateChange]
	OnResetReceived     isobus.Event[struct{}]
	OnSenderError       isobus.Event[struct{}]
	OnShutdownReceived  isobus.Event[struct{}]
}

// NewConsumer creates a Consumer in State Normal with nothing received yet.
func NewConsumer() *Consumer {
	return &Consumer{}
}

// State reports the consumer's current liveness state.
func (c *Consumer) State() State {
	return c.state
}

// IsHealthy is a shorthand for State() == StateNormal.
func (c *Consumer) IsHealthy() bool {
	return c.state == StateNormal
}

// Process feeds one received heartbeat sequence value into the consumer.
func (c *Consumer) Process(seq byte) {
	if seq == SeqReservedLow || seq == SeqReservedHigh {
		return
	}
	c.timerMs = 0

	if seq == SeqShutdown {
		c.OnShutdownReceived.Emit(struct{}{})
		return
	}
	if seq == SeqError {
		c.OnSenderError.Emit(struct{}{})
		return
	}

	if seq == SeqInit {
		if c.firstReceived {
			c.OnResetReceived.Emit(struct{}{})
		}
		c.firstReceived = true
		c.lastSequence = seq
		c.recoveryCounter = 0
		c.setState(StateNormal)
		return
	}

	if !c.firstReceived || c.state == StateCommError {
		// A timeout (or the very first message) forfeits sequence
		// continuity; the next value received resynchronizes silently.
		c.firstReceived = true
		c.lastSequence = seq
		c.recoveryCounter = 0
		c.setState(StateNormal)
		return
	}

	jump := computeJump(c.lastSequence, seq)
	c.lastSequence = seq
	if jump == 0 || jump > MaxJump {
		c.recoveryCounter = 0
		c.setState(StateSequenceError)
		return
	}

	if c.state == StateSequenceError {
		c.recoveryCounter++
		if c.recoveryCounter >= RecoveryThreshold {
			c.recoveryCounter = 0
			c.setState(StateNormal)
		}
		return
	}
	c.setState(StateNormal)
}

// Update advances the comm timeout clock; once it exceeds CommTimeoutMs
// since the last non-reserved value passed to Process, the consumer
// declares CommError.
func (c *Consumer) Update(elapsedMs int64) {
	if !c.firstReceived {
		return
	}
	c.timerMs += elapsedMs
	if c.timerMs > CommTimeoutMs {
		c.setState(StateCommError)
	}
}

func (c *Consumer) setState(s State) {
	old := c.state
	c.state = s
	if old != s {
		c.OnStateChange.Emit(StateChange{Old: old, New: s})
	}
}

// computeJump returns the forward circular distance from the last sequence
// value to the next one, treating 0..250 as a 251-value ring. A value
// following SeqInit always has a jump of exactly to+1, since SeqInit sits
// conceptually one position before 0.
func computeJump(from, to byte) int {
	if from == SeqInit {
		return int(to) + 1
	}
	return (int(to) - int(from) + 251) % 251
}

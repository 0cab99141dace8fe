// Package heartbeat implements the J1939-73 periodic heartbeat sequence
// counter: a rolling counter, due every IntervalMs, that lets a
// listener detect a missed, duplicated, or out-of-order heartbeat without
// any payload beyond the counter itself.
package heartbeat

// Special sequence values, reserved outside the 0..250 rolling counter.
const (
	SeqInit        byte = 251
	SeqReservedLow byte = 252
	SeqReservedHigh byte = 253
	SeqError       byte = 254
	SeqShutdown    byte = 255
)

// IntervalMs is the cadence at which a new heartbeat value becomes due.
const IntervalMs int64 = 100

// Producer emits the next heartbeat sequence value on demand and tracks
// when the next one is due.
type Producer struct {
	sequence       byte
	initSent       bool
	specialPending bool
	timerMs        int64
}

// NewProducer creates a Producer that has not yet emitted anything.
func NewProducer() *Producer {
	return &Producer{sequence: SeqInit}
}

// NextSequence returns the value for the next outgoing heartbeat frame.
// The very first call returns SeqInit; afterwards it rolls 0..250,
// wrapping back to 0 after 250. A pending SignalError/SignalShutdown
// value is returned and cleared before normal counting resumes at 0.
func (p *Producer) NextSequence() byte {
	if !p.initSent {
		p.initSent = true
		if !p.specialPending {
			p.sequence = SeqInit
		}
		return SeqInit
	}
	if p.specialPending {
		p.specialPending = false
		ret := p.sequence
		p.sequence = SeqInit // forces the following call to resync at 0
		return ret
	}
	if p.sequence == SeqInit || p.sequence == 250 {
		p.sequence = 0
	} else {
		p.sequence++
	}
	return p.sequence
}

// SignalError arranges for the next NextSequence call to return SeqError
// (the call after the initial SeqInit, if that has not been emitted yet),
// after which normal counting resumes at 0.
func (p *Producer) SignalError() {
	p.sequence = SeqError
	p.specialPending = true
}

// SignalShutdown arranges for the next NextSequence call to return
// SeqShutdown (the call after the initial SeqInit, if that has not been
// emitted yet), after which normal counting resumes at 0.
func (p *Producer) SignalShutdown() {
	p.sequence = SeqShutdown
	p.specialPending = true
}

// Update advances the cadence timer by elapsedMs and reports whether a new
// heartbeat is due; the timer restarts from zero each time it fires.
func (p *Producer) Update(elapsedMs int64) bool {
	p.timerMs += elapsedMs
	if p.timerMs >= IntervalMs {
		p.timerMs = 0
		return true
	}
	return false
}

// Reset returns the producer to its just-constructed state, so the next
// NextSequence call emits SeqInit again.
func (p *Producer) Reset() {
	p.initSent = false
	p.specialPending = false
	p.timerMs = 0
	p.sequence = SeqInit
}

// Package transport implements the three parallel segmentation/reassembly
// engines: classic transport (BAM and connection-mode RTS/CTS/EOMA),
// extended transport for payloads beyond 1785 bytes, and NMEA-2000 fast
// packet. Engines share no code through a common interface, but each
// exposes the same shape: feed inbound Frames in, drain outbound Frames
// out, advance with Update(elapsedMs).
package transport

import (
	"github.com/rs/xid"

	isobus "github.com/robolibs/isobus-sub002"
)

// Direction of a transport session from this node's point of view.
type Direction int

const (
	DirectionTx Direction = iota
	DirectionRx
)

// SessionState is the sum-type of sub-states a session may occupy: each
// engine encodes its own session sub-states through this shared enum.
type SessionState int

const (
	StateWaitForCTS SessionState = iota
	StateSending
	StateBAMSending
	StateWaitForEndOfMsgAck
	StateReceiving
	StateComplete
	StateAborted
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateWaitForCTS:
		return "WaitForCTS"
	case StateSending:
		return "Sending"
	case StateBAMSending:
		return "BAMSending"
	case StateWaitForEndOfMsgAck:
		return "WaitForEndOfMsgAck"
	case StateReceiving:
		return "Receiving"
	case StateComplete:
		return "Complete"
	case StateAborted:
		return "Aborted"
	case StateTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// SessionKey uniquely identifies a live transport session: keyed by
// (source, destination, PGN), so distinct PGNs may have concurrent
// sessions between the same pair of control functions.
type SessionKey struct {
	Source      uint8
	Destination uint8
	PGN         isobus.PGN
}

// Session is the mutable state of one multi-frame transfer in progress.
type Session struct {
	Key       SessionKey
	Direction Direction
	State     SessionState

	TotalBytes   uint32
	TotalPackets uint16
	NextSequence uint16 // 1-based sequence number
	Data         []byte

	// NextPacketNumber/TotalPacketsExt are extended-transport counterparts
	// of NextSequence/TotalPackets, widened to 32 bits because ETP messages
	// may span more than 65535 packets. DT frame wire bytes still carry only
	// a wrapping 1-255 sequence (see transport/extended.go).
	NextPacketNumber uint32
	TotalPacketsExt  uint32

	// timerMs accumulates elapsed time against whichever deadline applies
	// to the current State (T1..T4, or the BAM 50ms inter-packet delay).
	timerMs int64
	// holdTimerMs tracks the Th keepalive cadence independently of timerMs.
	holdTimerMs int64
	paused      bool

	windowRemaining uint8
	maxPerCTS       uint8

	AbortReason isobus.AbortReason

	// DebugID is a correlation id for host-side log lines only.
	DebugID xid.ID
}

// CompletedMessage is delivered through an engine's OnComplete event once a
// session's buffer equals TotalBytes.
type CompletedMessage struct {
	Source      uint8
	Destination uint8
	PGN         isobus.PGN
	Data        []byte
}

// AbortEvent is delivered through an engine's OnAbort event whenever a
// session is purged by timeout or explicit abort.
type AbortEvent struct {
	Key    SessionKey
	Reason isobus.AbortReason
}

// sessionTable is the shared (source,destination,PGN)-keyed map every
// engine maintains, plus the already-in-progress guard.
type sessionTable struct {
	sessions map[SessionKey]*Session
}

func newSessionTable() sessionTable {
	return sessionTable{sessions: make(map[SessionKey]*Session)}
}

func (t *sessionTable) get(key SessionKey) (*Session, bool) {
	s, ok := t.sessions[key]
	return s, ok
}

func (t *sessionTable) create(key SessionKey) (*Session, error) {
	if _, exists := t.sessions[key]; exists {
		return nil, isobus.ErrAlreadyInProgress
	}
	s := &Session{Key: key, DebugID: xid.New()}
	t.sessions[key] = s
	return s, nil
}

func (t *sessionTable) remove(key SessionKey) {
	delete(t.sessions, key)
}

func (t *sessionTable) all() []*Session {
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

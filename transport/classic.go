package transport

import (
	isobus "github.com/robolibs/isobus-sub002"
)

// Classic transport wire constants.
const (
	TPControlPGN = isobus.PGNTPControl
	TPDataPGN    = isobus.PGNTPData

	tpRTS   byte = 0x10
	tpCTS   byte = 0x11
	tpEOMA  byte = 0x13
	tpBAM   byte = 0x20
	tpABORT byte = 0xFF
)

// Classic transport timing and sizing constants.
const (
	TPMinPayload        = 9
	TPMaxPayload         = 1785
	TPMaxPacketsPerCTS   = 16
	TPBAMDelayMs   int64 = 50
	TPTimeoutT1Ms  int64 = 750
	TPTimeoutT2Ms  int64 = 1250
	TPTimeoutT3Ms  int64 = 1250
	TPTimeoutT4Ms  int64 = 1050
	TPTimeoutTHoldMs int64 = 500
)

// TransportProtocol is the classic-transport engine: BAM for broadcast
// payloads and connection-mode RTS/CTS/EOMA for destination-specific ones.
type TransportProtocol struct {
	table sessionTable

	OnComplete       isobus.Event[CompletedMessage]
	OnAbort          isobus.Event[AbortEvent]
	OnSessionTimeout isobus.Event[*Session]
}

// NewTransportProtocol creates an empty classic-transport engine.
func NewTransportProtocol() *TransportProtocol {
	return &TransportProtocol{table: newSessionTable()}
}

// Send begins a new classic-transport session for payload, choosing BAM or
// connection-mode based on whether destination is BroadcastAddress. payload
// must be 9..1785 bytes; shorter payloads belong in a single frame and
// larger ones belong to extended transport (a router-level selection
// policy).
func (tp *TransportProtocol) Send(pgn isobus.PGN, payload []byte, source, destination uint8) ([]isobus.Frame, error) {
	n := len(payload)
	if n < TPMinPayload || n > TPMaxPayload {
		return nil, isobus.ErrPayloadTooLarge
	}

	key := SessionKey{Source: source, Destination: destination, PGN: pgn}
	session, err := tp.table.create(key)
	if err != nil {
		return nil, err
	}
	session.Direction = DirectionTx
	session.TotalBytes = uint32(n)
	session.TotalPackets = ceilDiv7(n)
	session.Data = append([]byte(nil), payload...)
	session.NextSequence = 1

	if destination == isobus.BroadcastAddress {
		session.State = StateBAMSending
		return []isobus.Frame{bamFrame(source, pgn, session.TotalBytes, session.TotalPackets)}, nil
	}

	session.State = StateWaitForCTS
	session.maxPerCTS = TPMaxPacketsPerCTS
	return []isobus.Frame{rtsFrame(TPControlPGN, tpRTS, source, destination, pgn, session.TotalBytes, session.TotalPackets, TPMaxPacketsPerCTS)}, nil
}

// AbortSession purges key's session. For a destination-specific session an
// ABORT frame is emitted toward the peer; broadcast (BAM) sessions have no
// peer handshake and so produce no frame.
func (tp *TransportProtocol) AbortSession(key SessionKey) []isobus.Frame {
	session, ok := tp.table.get(key)
	if !ok {
		return nil
	}
	tp.table.remove(key)
	tp.OnAbort.Emit(AbortEvent{Key: key, Reason: isobus.AbortTimeout})
	if key.Destination == isobus.BroadcastAddress {
		return nil
	}
	return []isobus.Frame{abortFrame(TPControlPGN, tpABORT, tp.localAddress(session), tp.peerAddress(session), key.PGN, isobus.AbortTimeout)}
}

func (tp *TransportProtocol) localAddress(s *Session) uint8 {
	if s.Direction == DirectionTx {
		return s.Key.Source
	}
	return s.Key.Destination
}

func (tp *TransportProtocol) peerAddress(s *Session) uint8 {
	if s.Direction == DirectionTx {
		return s.Key.Destination
	}
	return s.Key.Source
}

// HandleFrame feeds one received control or data frame into the engine and
// returns any reply frames (CTS, EOMA, ABORT). The caller (the router) is
// responsible for only routing TPControlPGN/TPDataPGN frames here.
func (tp *TransportProtocol) HandleFrame(f isobus.Frame) []isobus.Frame {
	if f.PGN() == TPControlPGN {
		return tp.handleControl(f)
	}
	if f.PGN() == TPDataPGN {
		return tp.handleData(f)
	}
	return nil
}

func (tp *TransportProtocol) handleControl(f isobus.Frame) []isobus.Frame {
	data := f.Data
	switch data[0] {
	case tpBAM:
		tp.handleBAM(f)
		return nil
	case tpRTS:
		return tp.handleRTS(f)
	case tpCTS:
		return tp.handleCTS(f)
	case tpEOMA:
		tp.handleEOMA(f)
		return nil
	case tpABORT:
		tp.handleAbort(f)
		return nil
	}
	return nil
}

func (tp *TransportProtocol) handleBAM(f isobus.Frame) {
	data := f.Data
	totalBytes := uint32(data[1]) | uint32(data[2])<<8
	totalPackets := uint16(data[3])
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: f.ID.Source, Destination: isobus.BroadcastAddress, PGN: pgn}

	tp.table.remove(key) // a fresh BAM supersedes any stale session for this key
	session, _ := tp.table.create(key)
	session.Direction = DirectionRx
	session.State = StateReceiving
	session.TotalBytes = totalBytes
	session.TotalPackets = totalPackets
	session.Data = make([]byte, totalBytes)
	session.NextSequence = 1
}

func (tp *TransportProtocol) handleRTS(f isobus.Frame) []isobus.Frame {
	data := f.Data
	src := f.ID.Source
	dst := f.ID.Destination()
	totalBytes := uint32(data[1]) | uint32(data[2])<<8
	totalPackets := uint16(data[3])
	maxPerCTS := data[4]
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: src, Destination: dst, PGN: pgn}

	if _, exists := tp.table.get(key); exists {
		return []isobus.Frame{abortFrame(TPControlPGN, tpABORT, dst, src, pgn, isobus.AbortAlreadyInProgress)}
	}

	session, _ := tp.table.create(key)
	session.Direction = DirectionRx
	session.State = StateReceiving
	session.TotalBytes = totalBytes
	session.TotalPackets = totalPackets
	session.Data = make([]byte, totalBytes)
	session.NextSequence = 1
	if maxPerCTS == 0 || maxPerCTS > TPMaxPacketsPerCTS {
		maxPerCTS = TPMaxPacketsPerCTS
	}
	window := minU16(totalPackets, uint16(maxPerCTS))
	session.maxPerCTS = maxPerCTS
	session.windowRemaining = uint8(window)

	return []isobus.Frame{ctsFrame(TPControlPGN, tpCTS, dst, src, pgn, uint8(window), 1)}
}

func (tp *TransportProtocol) handleCTS(f isobus.Frame) []isobus.Frame {
	data := f.Data
	responder := f.ID.Source
	us := f.ID.Destination()
	numPackets := data[1]
	nextSeq := data[2]
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: us, Destination: responder, PGN: pgn}

	session, ok := tp.table.get(key)
	if !ok || session.Direction != DirectionTx {
		return nil
	}

	if numPackets == 0 {
		// keepalive-hold: restart T3.
		session.timerMs = 0
		return nil
	}

	session.NextSequence = uint16(nextSeq)
	session.timerMs = 0

	var frames []isobus.Frame
	for i := uint8(0); i < numPackets && session.NextSequence <= session.TotalPackets; i++ {
		frames = append(frames, tpDataFrame(us, responder, session, session.NextSequence))
		session.NextSequence++
	}
	session.State = StateWaitForEndOfMsgAck
	return frames
}

func (tp *TransportProtocol) handleEOMA(f isobus.Frame) {
	data := f.Data
	responder := f.ID.Source
	us := f.ID.Destination()
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: us, Destination: responder, PGN: pgn}
	tp.table.remove(key)
}

func (tp *TransportProtocol) handleAbort(f isobus.Frame) {
	data := f.Data
	reason := isobus.AbortReason(data[1])
	pgn := decodePGN3(data[5], data[6], data[7])
	peer := f.ID.Source
	us := f.ID.Destination()

	// could be a reply to our Tx session, or an abort of a session we are
	// receiving.
	if key := (SessionKey{Source: us, Destination: peer, PGN: pgn}); tp.remove(key, reason) {
		return
	}
	tp.remove(SessionKey{Source: peer, Destination: us, PGN: pgn}, reason)
}

func (tp *TransportProtocol) remove(key SessionKey, reason isobus.AbortReason) bool {
	if _, ok := tp.table.get(key); !ok {
		return false
	}
	tp.table.remove(key)
	tp.OnAbort.Emit(AbortEvent{Key: key, Reason: reason})
	return true
}

func (tp *TransportProtocol) handleData(f isobus.Frame) []isobus.Frame {
	data := f.Data
	seq := data[0]
	session := tp.findRxSession(f.ID.Source, f.ID.Destination())
	if session == nil {
		return nil
	}

	if uint16(seq) != session.NextSequence {
		reason := isobus.AbortBadSequence
		if uint16(seq) < session.NextSequence {
			reason = isobus.AbortDuplicateSequence
		}
		tp.table.remove(session.Key)
		tp.OnAbort.Emit(AbortEvent{Key: session.Key, Reason: reason})
		if session.Key.Destination != isobus.BroadcastAddress {
			return []isobus.Frame{abortFrame(TPControlPGN, tpABORT, session.Key.Destination, session.Key.Source, session.Key.PGN, reason)}
		}
		return nil
	}

	offset := int(seq-1) * 7
	n := copy(session.Data[offset:], data[1:8])
	_ = n
	session.NextSequence++
	session.timerMs = 0

	if int(session.NextSequence-1) == int(session.TotalPackets) {
		tp.table.remove(session.Key)
		tp.OnComplete.Emit(CompletedMessage{
			Source:      session.Key.Source,
			Destination: session.Key.Destination,
			PGN:         session.Key.PGN,
			Data:        session.Data,
		})
		if session.Key.Destination != isobus.BroadcastAddress {
			return []isobus.Frame{eomaFrame(TPControlPGN, tpEOMA, session.Key.Destination, session.Key.Source, session.Key.PGN, session.TotalBytes, session.TotalPackets)}
		}
		return nil
	}

	if session.Key.Destination != isobus.BroadcastAddress {
		if session.windowRemaining > 0 {
			session.windowRemaining--
		}
		if session.windowRemaining == 0 {
			remaining := session.TotalPackets - (session.NextSequence - 1)
			window := minU16(remaining, uint16(session.maxPerCTS))
			session.windowRemaining = uint8(window)
			return []isobus.Frame{ctsFrame(TPControlPGN, tpCTS, session.Key.Destination, session.Key.Source, session.Key.PGN, uint8(window), session.NextSequence)}
		}
	}
	return nil
}

func (tp *TransportProtocol) findRxSession(source, destination uint8) *Session {
	for _, s := range tp.table.all() {
		if s.Direction != DirectionRx {
			continue
		}
		if s.Key.Source != source {
			continue
		}
		if s.Key.Destination == destination || s.Key.Destination == isobus.BroadcastAddress {
			return s
		}
	}
	return nil
}

// SetReceiverPaused marks key's receive session as paused, causing periodic
// hold-CTS keepalive emission from Update every TPTimeoutTHoldMs.
func (tp *TransportProtocol) SetReceiverPaused(key SessionKey) {
	if s, ok := tp.table.get(key); ok {
		s.paused = true
		s.holdTimerMs = 0
	}
}

// Sessions exposes the live session table for diagnostics and tests.
func (tp *TransportProtocol) Sessions() []*Session {
	return tp.table.all()
}

// Update advances every session's timer by elapsedMs and returns any frames
// that fall out: paced BAM data frames, CTS keepalive holds, and ABORT
// frames for sessions that time out.
func (tp *TransportProtocol) Update(elapsedMs int64) []isobus.Frame {
	var frames []isobus.Frame
	for _, s := range tp.table.all() {
		frames = append(frames, tp.updateSession(s, elapsedMs)...)
	}
	return frames
}

func (tp *TransportProtocol) updateSession(s *Session, elapsedMs int64) []isobus.Frame {
	if s.paused && s.Direction == DirectionRx {
		s.holdTimerMs += elapsedMs
		var out []isobus.Frame
		for s.holdTimerMs >= TPTimeoutTHoldMs {
			s.holdTimerMs -= TPTimeoutTHoldMs
			out = append(out, ctsFrame(TPControlPGN, tpCTS, s.Key.Destination, s.Key.Source, s.Key.PGN, 0, s.NextSequence))
		}
		return out
	}

	switch s.State {
	case StateBAMSending:
		s.timerMs += elapsedMs
		var frames []isobus.Frame
		for s.timerMs >= TPBAMDelayMs && s.NextSequence <= s.TotalPackets {
			s.timerMs -= TPBAMDelayMs
			frames = append(frames, tpDataFrame(s.Key.Source, isobus.BroadcastAddress, s, s.NextSequence))
			s.NextSequence++
		}
		if s.NextSequence > s.TotalPackets {
			tp.table.remove(s.Key)
		}
		return frames

	case StateWaitForCTS, StateWaitForEndOfMsgAck:
		s.timerMs += elapsedMs
		if s.timerMs >= TPTimeoutT3Ms {
			return tp.timeout(s, isobus.AbortTimeout)
		}

	case StateSending:
		s.timerMs += elapsedMs
		if s.timerMs >= TPTimeoutT4Ms {
			return tp.timeout(s, isobus.AbortTimeout)
		}

	case StateReceiving:
		s.timerMs += elapsedMs
		if s.Key.Destination != isobus.BroadcastAddress && s.timerMs >= TPTimeoutT1Ms {
			return tp.timeout(s, isobus.AbortTimeout)
		}
	}
	return nil
}

func (tp *TransportProtocol) timeout(s *Session, reason isobus.AbortReason) []isobus.Frame {
	tp.table.remove(s.Key)
	tp.OnSessionTimeout.Emit(s)
	tp.OnAbort.Emit(AbortEvent{Key: s.Key, Reason: reason})
	if s.Key.Destination == isobus.BroadcastAddress {
		return nil
	}
	return []isobus.Frame{abortFrame(TPControlPGN, tpABORT, tp.localAddress(s), tp.peerAddress(s), s.Key.PGN, reason)}
}

// --- wire helpers shared with extended.go ---

func ceilDiv7(n int) uint16 {
	return uint16((n + 6) / 7)
}

func decodePGN3(b0, b1, b2 byte) isobus.PGN {
	return isobus.PGN(uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16)
}

func encodePGN3(pgn isobus.PGN) (byte, byte, byte) {
	v := uint32(pgn)
	return byte(v), byte(v >> 8), byte(v >> 16)
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func bamFrame(source uint8, pgn isobus.PGN, totalBytes uint32, totalPackets uint16) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, TPControlPGN, source, isobus.BroadcastAddress)
	return isobus.NewFrame(id, []byte{
		tpBAM,
		byte(totalBytes), byte(totalBytes >> 8),
		byte(totalPackets),
		0xFF,
		b0, b1, b2,
	})
}

func rtsFrame(controlPGN isobus.PGN, ctrl byte, source, destination uint8, pgn isobus.PGN, totalBytes uint32, totalPackets uint16, maxPerCTS uint8) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, controlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		ctrl,
		byte(totalBytes), byte(totalBytes >> 8),
		byte(totalPackets),
		maxPerCTS,
		b0, b1, b2,
	})
}

func ctsFrame(controlPGN isobus.PGN, ctrl byte, source, destination uint8, pgn isobus.PGN, numPackets uint8, nextSeq uint16) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, controlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		ctrl,
		numPackets,
		byte(nextSeq),
		0xFF, 0xFF,
		b0, b1, b2,
	})
}

func eomaFrame(controlPGN isobus.PGN, ctrl byte, source, destination uint8, pgn isobus.PGN, totalBytes uint32, totalPackets uint16) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, controlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		ctrl,
		byte(totalBytes), byte(totalBytes >> 8),
		byte(totalPackets),
		0xFF,
		b0, b1, b2,
	})
}

func abortFrame(controlPGN isobus.PGN, ctrl byte, source, destination uint8, pgn isobus.PGN, reason isobus.AbortReason) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, controlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		ctrl,
		byte(reason),
		0xFF, 0xFF, 0xFF,
		b0, b1, b2,
	})
}

func tpDataFrame(source, destination uint8, s *Session, seq uint16) isobus.Frame {
	offset := int(seq-1) * 7
	var payload [8]byte
	payload[0] = byte(seq)
	for i := 0; i < 7; i++ {
		if offset+i < len(s.Data) {
			payload[1+i] = s.Data[offset+i]
		} else {
			payload[1+i] = isobus.PaddingByte
		}
	}
	id := isobus.EncodeIdentifier(7, TPDataPGN, source, destination)
	return isobus.NewFrame(id, payload[:])
}

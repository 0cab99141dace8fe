package transport

import (
	isobus "github.com/robolibs/isobus-sub002"
)

// Extended transport wire constants.
const (
	ETPControlPGN = isobus.PGNETPControl
	ETPDataPGN    = isobus.PGNETPData

	etpRTS   byte = 0x14
	etpCTS   byte = 0x15
	etpDPO   byte = 0x16
	etpEOMA  byte = 0x17
	etpABORT byte = 0xFF
)

// ETPMinPayload is one byte past the classic-transport ceiling: payloads at
// or below TPMaxPayload use classic transport instead. ETPMaxPayload is
// 7 bytes/packet * the 3-byte packet-number field's max value (16,777,215).
const (
	ETPMinPayload = TPMaxPayload + 1
	ETPMaxPayload = 117440505
)

// ExtendedTransportProtocol is the engine for payloads beyond classic
// transport's reach. Unlike classic transport, ETP is destination-specific
// only; ETP rejects broadcast destinations.
type ExtendedTransportProtocol struct {
	table sessionTable

	OnComplete       isobus.Event[CompletedMessage]
	OnAbort          isobus.Event[AbortEvent]
	OnSessionTimeout isobus.Event[*Session]
}

// NewExtendedTransportProtocol creates an empty ETP engine.
func NewExtendedTransportProtocol() *ExtendedTransportProtocol {
	return &ExtendedTransportProtocol{table: newSessionTable()}
}

// Send begins a new ETP session for payload. destination must not be
// BroadcastAddress and payload must be ETPMinPayload..ETPMaxPayload bytes.
func (etp *ExtendedTransportProtocol) Send(pgn isobus.PGN, payload []byte, source, destination uint8) ([]isobus.Frame, error) {
	if destination == isobus.BroadcastAddress {
		return nil, isobus.ErrInvalidAddress
	}
	n := len(payload)
	if n < ETPMinPayload || n > ETPMaxPayload {
		return nil, isobus.ErrPayloadTooLarge
	}

	key := SessionKey{Source: source, Destination: destination, PGN: pgn}
	session, err := etp.table.create(key)
	if err != nil {
		return nil, err
	}
	session.Direction = DirectionTx
	session.State = StateWaitForCTS
	session.TotalBytes = uint32(n)
	session.TotalPacketsExt = ceilDiv7Ext(n)
	session.Data = append([]byte(nil), payload...)
	session.NextPacketNumber = 1

	return []isobus.Frame{etpRTSFrame(source, destination, pgn, session.TotalBytes)}, nil
}

// HandleFrame feeds one received ETP control or data frame into the engine.
func (etp *ExtendedTransportProtocol) HandleFrame(f isobus.Frame) []isobus.Frame {
	if f.PGN() == ETPControlPGN {
		return etp.handleControl(f)
	}
	if f.PGN() == ETPDataPGN {
		return etp.handleData(f)
	}
	return nil
}

func (etp *ExtendedTransportProtocol) handleControl(f isobus.Frame) []isobus.Frame {
	switch f.Data[0] {
	case etpRTS:
		return etp.handleRTS(f)
	case etpCTS:
		return etp.handleCTS(f)
	case etpDPO:
		etp.handleDPO(f)
		return nil
	case etpEOMA:
		etp.handleEOMA(f)
		return nil
	case etpABORT:
		etp.handleAbort(f)
		return nil
	}
	return nil
}

func (etp *ExtendedTransportProtocol) handleRTS(f isobus.Frame) []isobus.Frame {
	data := f.Data
	src := f.ID.Source
	dst := f.ID.Destination()
	totalBytes := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: src, Destination: dst, PGN: pgn}

	if _, exists := etp.table.get(key); exists {
		return []isobus.Frame{abortFrame(ETPControlPGN, etpABORT, dst, src, pgn, isobus.AbortAlreadyInProgress)}
	}

	session, _ := etp.table.create(key)
	session.Direction = DirectionRx
	session.State = StateReceiving
	session.TotalBytes = totalBytes
	session.TotalPacketsExt = ceilDiv7Ext(int(totalBytes))
	session.Data = make([]byte, totalBytes)
	session.NextPacketNumber = 1
	session.maxPerCTS = TPMaxPacketsPerCTS
	window := minU32(session.TotalPacketsExt, uint32(TPMaxPacketsPerCTS))
	session.windowRemaining = uint8(window)

	return []isobus.Frame{etpCTSFrame(dst, src, pgn, uint8(window), 1)}
}

func (etp *ExtendedTransportProtocol) handleCTS(f isobus.Frame) []isobus.Frame {
	data := f.Data
	responder := f.ID.Source
	us := f.ID.Destination()
	numPackets := data[1]
	nextPacket := uint32(data[2]) | uint32(data[3])<<8 | uint32(data[4])<<16
	pgn := decodePGN3(data[5], data[6], data[7])
	key := SessionKey{Source: us, Destination: responder, PGN: pgn}

	session, ok := etp.table.get(key)
	if !ok || session.Direction != DirectionTx {
		return nil
	}
	if numPackets == 0 {
		session.timerMs = 0
		return nil
	}

	session.NextPacketNumber = nextPacket
	session.timerMs = 0

	frames := []isobus.Frame{etpDPOFrame(us, responder, pgn, numPackets, nextPacket-1)}
	for i := uint8(0); i < numPackets && session.NextPacketNumber <= session.TotalPacketsExt; i++ {
		frames = append(frames, etpDataFrame(us, responder, session, session.NextPacketNumber))
		session.NextPacketNumber++
	}
	session.State = StateWaitForEndOfMsgAck
	return frames
}

func (etp *ExtendedTransportProtocol) handleDPO(f isobus.Frame) {
	// DPO is sent by the transmitter announcing the data packets about to
	// follow; the receiver does not need to act beyond expecting data, since
	// DT frame content carries its own wrapping sequence. Receivers read the
	// offset off the session state set during the CTS they issued; no state
	// change required here.
	_ = f
}

func (etp *ExtendedTransportProtocol) handleEOMA(f isobus.Frame) {
	data := f.Data
	responder := f.ID.Source
	us := f.ID.Destination()
	pgn := decodePGN3(data[5], data[6], data[7])
	etp.table.remove(SessionKey{Source: us, Destination: responder, PGN: pgn})
}

func (etp *ExtendedTransportProtocol) handleAbort(f isobus.Frame) {
	data := f.Data
	reason := isobus.AbortReason(data[1])
	pgn := decodePGN3(data[5], data[6], data[7])
	peer := f.ID.Source
	us := f.ID.Destination()

	if etp.remove(SessionKey{Source: us, Destination: peer, PGN: pgn}, reason) {
		return
	}
	etp.remove(SessionKey{Source: peer, Destination: us, PGN: pgn}, reason)
}

func (etp *ExtendedTransportProtocol) remove(key SessionKey, reason isobus.AbortReason) bool {
	if _, ok := etp.table.get(key); !ok {
		return false
	}
	etp.table.remove(key)
	etp.OnAbort.Emit(AbortEvent{Key: key, Reason: reason})
	return true
}

func (etp *ExtendedTransportProtocol) handleData(f isobus.Frame) []isobus.Frame {
	data := f.Data
	seq := data[0]
	session := etp.findRxSession(f.ID.Source, f.ID.Destination())
	if session == nil {
		return nil
	}

	expectedSeq := wrapSequence(session.NextPacketNumber)
	if seq != expectedSeq {
		reason := isobus.AbortBadSequence
		etp.table.remove(session.Key)
		etp.OnAbort.Emit(AbortEvent{Key: session.Key, Reason: reason})
		return []isobus.Frame{abortFrame(ETPControlPGN, etpABORT, session.Key.Destination, session.Key.Source, session.Key.PGN, reason)}
	}

	offset := int(session.NextPacketNumber-1) * 7
	copy(session.Data[offset:], data[1:8])
	session.NextPacketNumber++
	session.timerMs = 0

	if session.NextPacketNumber-1 == session.TotalPacketsExt {
		etp.table.remove(session.Key)
		etp.OnComplete.Emit(CompletedMessage{
			Source:      session.Key.Source,
			Destination: session.Key.Destination,
			PGN:         session.Key.PGN,
			Data:        session.Data,
		})
		return []isobus.Frame{etpEOMAFrame(session.Key.Destination, session.Key.Source, session.Key.PGN, session.TotalBytes)}
	}

	if session.windowRemaining > 0 {
		session.windowRemaining--
	}
	if session.windowRemaining == 0 {
		remaining := session.TotalPacketsExt - (session.NextPacketNumber - 1)
		window := minU32(remaining, uint32(session.maxPerCTS))
		session.windowRemaining = uint8(window)
		return []isobus.Frame{etpCTSFrame(session.Key.Destination, session.Key.Source, session.Key.PGN, uint8(window), session.NextPacketNumber)}
	}
	return nil
}

func (etp *ExtendedTransportProtocol) findRxSession(source, destination uint8) *Session {
	for _, s := range etp.table.all() {
		if s.Direction == DirectionRx && s.Key.Source == source && s.Key.Destination == destination {
			return s
		}
	}
	return nil
}

// Sessions exposes the live session table for diagnostics and tests.
func (etp *ExtendedTransportProtocol) Sessions() []*Session {
	return etp.table.all()
}

// Update advances every session's timer and returns ABORT frames for
// sessions that time out. Unlike classic BAM, ETP data
// frames within a granted window are emitted synchronously from HandleFrame
// (on receipt of CTS), so Update here only watches deadlines.
func (etp *ExtendedTransportProtocol) Update(elapsedMs int64) []isobus.Frame {
	var frames []isobus.Frame
	for _, s := range etp.table.all() {
		s.timerMs += elapsedMs
		switch s.State {
		case StateWaitForCTS, StateWaitForEndOfMsgAck:
			if s.timerMs >= TPTimeoutT3Ms {
				frames = append(frames, etp.timeout(s)...)
			}
		case StateReceiving:
			if s.timerMs >= TPTimeoutT1Ms {
				frames = append(frames, etp.timeout(s)...)
			}
		}
	}
	return frames
}

func (etp *ExtendedTransportProtocol) timeout(s *Session) []isobus.Frame {
	etp.table.remove(s.Key)
	etp.OnSessionTimeout.Emit(s)
	etp.OnAbort.Emit(AbortEvent{Key: s.Key, Reason: isobus.AbortTimeout})
	var local, peer uint8
	if s.Direction == DirectionTx {
		local, peer = s.Key.Source, s.Key.Destination
	} else {
		local, peer = s.Key.Destination, s.Key.Source
	}
	return []isobus.Frame{abortFrame(ETPControlPGN, etpABORT, local, peer, s.Key.PGN, isobus.AbortTimeout)}
}

// --- wire helpers ---

func ceilDiv7Ext(n int) uint32 {
	return uint32((n + 6) / 7)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// wrapSequence maps an absolute 1-based packet number onto the wire's
// wrapping 1..255 sequence byte used by ETP data frames.
func wrapSequence(packetNumber uint32) byte {
	return byte(((packetNumber - 1) % 255) + 1)
}

func etpDataFrame(source, destination uint8, s *Session, packetNumber uint32) isobus.Frame {
	offset := int(packetNumber-1) * 7
	var payload [8]byte
	payload[0] = wrapSequence(packetNumber)
	for i := 0; i < 7; i++ {
		if offset+i < len(s.Data) {
			payload[1+i] = s.Data[offset+i]
		} else {
			payload[1+i] = isobus.PaddingByte
		}
	}
	id := isobus.EncodeIdentifier(7, ETPDataPGN, source, destination)
	return isobus.NewFrame(id, payload[:])
}

func etpRTSFrame(source, destination uint8, pgn isobus.PGN, totalBytes uint32) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, ETPControlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		etpRTS,
		byte(totalBytes), byte(totalBytes >> 8), byte(totalBytes >> 16), byte(totalBytes >> 24),
		b0, b1, b2,
	})
}

func etpCTSFrame(source, destination uint8, pgn isobus.PGN, numPackets uint8, nextPacket uint32) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, ETPControlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		etpCTS,
		numPackets,
		byte(nextPacket), byte(nextPacket >> 8), byte(nextPacket >> 16),
		b0, b1, b2,
	})
}

func etpDPOFrame(source, destination uint8, pgn isobus.PGN, numPackets uint8, offset uint32) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, ETPControlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		etpDPO,
		numPackets,
		byte(offset), byte(offset >> 8), byte(offset >> 16),
		b0, b1, b2,
	})
}

func etpEOMAFrame(source, destination uint8, pgn isobus.PGN, totalBytes uint32) isobus.Frame {
	b0, b1, b2 := encodePGN3(pgn)
	id := isobus.EncodeIdentifier(7, ETPControlPGN, source, destination)
	return isobus.NewFrame(id, []byte{
		etpEOMA,
		byte(totalBytes), byte(totalBytes >> 8), byte(totalBytes >> 16), byte(totalBytes >> 24),
		b0, b1, b2,
	})
}

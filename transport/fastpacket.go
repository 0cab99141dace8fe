package transport

import (
	isobus "github.com/robolibs/isobus-sub002"
)

// Fast-packet sizing for NMEA-2000 fast packet: a 3-bit sequence
// counter distinguishes concurrent messages for the same (source, PGN) and a
// 5-bit frame counter orders frames within one message; the first frame
// carries 6 data bytes plus a length byte, subsequent frames carry 7.
const (
	FastPacketMinPayload = 9
	FastPacketMaxPayload = 6 + 31*7 // 223
	FastPacketTimeoutMs  int64 = 750
)

// fastPacketKey uniquely identifies one in-progress reassembly: source and
// PGN alone are not enough, since a source may have multiple fast-packet
// messages for the same PGN in flight at once, distinguished only by the
// 3-bit sequence counter carried in every frame.
type fastPacketKey struct {
	Source   uint8
	PGN      isobus.PGN
	Sequence uint8
}

// fastPacketSequence tracks one in-progress reassembly, grounded on the
// teacher's fastPacketSequence (fastpacket.go) but driven by an elapsed-ms
// accumulator instead of wall-clock time, per this engine's cooperative
// Update(elapsedMs) model.
type fastPacketSequence struct {
	source uint8
	pgn    isobus.PGN
	sequence uint8 // 0-7, distinguishes concurrent messages for this (source, PGN)

	length             uint8
	completeFramesMask uint32
	receivedFramesMask uint32
	data               [FastPacketMaxPayload]byte

	elapsedMs int64
}

func (s *fastPacketSequence) append(frameData [8]byte) bool {
	sequence := frameData[0] >> 5
	frameNr := frameData[0] & 0x1F
	frameMask := uint32(1) << frameNr

	if s.receivedFramesMask&frameMask != 0 {
		return s.completeFramesMask == s.receivedFramesMask
	}
	if s.receivedFramesMask == 0 {
		s.sequence = sequence
	}
	s.receivedFramesMask |= frameMask
	s.elapsedMs = 0

	if frameNr == 0 {
		s.length = frameData[1]
		frameCount := uint8(1)
		if s.length > 6 {
			frameCount += (s.length - 6 + 6) / 7
		}
		s.completeFramesMask = ^(uint32(0xFFFFFFFF) << frameCount)
		copy(s.data[:6], frameData[2:8])
	} else {
		start := 6 + int(frameNr-1)*7
		end := start + 7
		if end > len(s.data) {
			end = len(s.data)
		}
		copy(s.data[start:end], frameData[1:1+(end-start)])
	}

	return s.completeFramesMask == s.receivedFramesMask
}

// FastPacketAssembler reassembles NMEA-2000 fast-packet messages for a
// set of PGNs registered explicitly with Register: there is no global
// fast-packet toggle: fast-packet assembly is per-PGN opt-in only.
type FastPacketAssembler struct {
	pgns       map[isobus.PGN]bool
	inTransfer map[fastPacketKey]*fastPacketSequence
	txSequence map[fastPacketKey]uint8

	OnComplete isobus.Event[CompletedMessage]
}

// NewFastPacketAssembler creates an assembler with no PGNs registered.
func NewFastPacketAssembler() *FastPacketAssembler {
	return &FastPacketAssembler{
		pgns:       make(map[isobus.PGN]bool),
		inTransfer: make(map[fastPacketKey]*fastPacketSequence),
		txSequence: make(map[fastPacketKey]uint8),
	}
}

// Register opts pgn into fast-packet framing.
func (a *FastPacketAssembler) Register(pgn isobus.PGN) {
	a.pgns[pgn] = true
}

// IsRegistered reports whether pgn uses fast-packet framing.
func (a *FastPacketAssembler) IsRegistered(pgn isobus.PGN) bool {
	return a.pgns[pgn]
}

// Send fragments payload (FastPacketMinPayload..FastPacketMaxPayload bytes)
// into fast-packet frames addressed from source to destination.
func (a *FastPacketAssembler) Send(pgn isobus.PGN, payload []byte, source, destination uint8) ([]isobus.Frame, error) {
	n := len(payload)
	if n < FastPacketMinPayload || n > FastPacketMaxPayload {
		return nil, isobus.ErrPayloadTooLarge
	}

	key := fastPacketKey{Source: source, PGN: pgn}
	seq := a.txSequence[key]
	a.txSequence[key] = (seq + 1) % 8

	frameCount := 1
	if n > 6 {
		frameCount += (n - 6 + 6) / 7
	}

	id := isobus.EncodeIdentifier(6, pgn, source, destination)
	frames := make([]isobus.Frame, 0, frameCount)

	var first [8]byte
	first[0] = seq << 5
	first[1] = byte(n)
	copy(first[2:], payload[:6]) // n >= FastPacketMinPayload(9), so 6 bytes always present
	frames = append(frames, isobus.NewFrame(id, first[:]))

	for frameNr := 1; frameNr < frameCount; frameNr++ {
		start := 6 + (frameNr-1)*7
		end := start + 7
		if end > n {
			end = n
		}
		var f [8]byte
		f[0] = (seq << 5) | byte(frameNr)
		copy(f[1:], payload[start:end])
		for i := 1 + (end - start); i < 8; i++ {
			f[i] = isobus.PaddingByte
		}
		frames = append(frames, isobus.NewFrame(id, f[:]))
	}

	return frames, nil
}

// HandleFrame feeds one received frame for a registered PGN into the
// reassembler. Unregistered PGNs are never routed here by the router.
func (a *FastPacketAssembler) HandleFrame(f isobus.Frame) {
	if !a.pgns[f.PGN()] {
		return
	}
	if f.Length < 2 {
		return
	}

	sequence := f.Data[0] >> 5
	key := fastPacketKey{Source: f.ID.Source, PGN: f.PGN(), Sequence: sequence}

	s, ok := a.inTransfer[key]
	if !ok {
		s = &fastPacketSequence{source: f.ID.Source, pgn: f.PGN(), sequence: sequence}
		a.inTransfer[key] = s
	}

	// A frame whose predecessor never arrived is a gap in the frame counter.
	frameNr := f.Data[0] & 0x1F
	if frameNr != 0 && s.receivedFramesMask&(uint32(1)<<(frameNr-1)) == 0 {
		delete(a.inTransfer, key)
		return
	}

	if s.append(f.Data) {
		data := make([]byte, s.length)
		copy(data, s.data[:s.length])
		delete(a.inTransfer, key)
		a.OnComplete.Emit(CompletedMessage{
			Source: f.ID.Source,
			PGN:    f.PGN(),
			Data:   data,
		})
	}
}

// Update discards any in-progress reassembly that has gone silent for
// FastPacketTimeoutMs or longer. (A gap in the frame counter is discarded
// immediately by HandleFrame.)
func (a *FastPacketAssembler) Update(elapsedMs int64) {
	for key, s := range a.inTransfer {
		s.elapsedMs += elapsedMs
		if s.elapsedMs >= FastPacketTimeoutMs {
			delete(a.inTransfer, key)
		}
	}
}

// Package router implements the network router: the orchestration layer
// that owns the endpoint table, the three transport engines, the
// address-claim machinery, and PGN subscription/dispatch. It is
// single-threaded cooperative, exactly like the engines it drives: a host
// calls Update(elapsedMs) repeatedly and every callback (PGN subscribers,
// address-claimed notifications, transport completion) runs synchronously
// from inside that call.
package router

import (
	"errors"
	"fmt"

	isobus "github.com/robolibs/isobus-sub002"
	"github.com/robolibs/isobus-sub002/addressclaim"
	"github.com/robolibs/isobus-sub002/transport"
)

// ReassembledMessage is delivered to PGN subscribers and the wildcard
// OnMessage event, whether it arrived as a single frame or was reassembled
// by a transport engine.
type ReassembledMessage struct {
	Source      uint8
	Destination uint8
	PGN         isobus.PGN
	Data        []byte
}

// MessageHandler is a PGN-specific subscriber callback.
type MessageHandler func(ReassembledMessage)

// port binds one host-supplied Endpoint to its bus-load counters.
type port struct {
	endpoint isobus.Endpoint

	framesIn, framesOut uint64
	bytesIn, bytesOut   uint64
}

// reservedPGNs may never be the target of Router.Send: they belong to a
// transport engine or the address-claim state machine.
var reservedPGNs = map[isobus.PGN]bool{
	isobus.PGNTPControl:    true,
	isobus.PGNTPData:       true,
	isobus.PGNETPControl:   true,
	isobus.PGNETPData:      true,
	isobus.PGNAddressClaim: true,
	isobus.PGNRequest:      true,
}

// Router orchestrates every subsystem sharing one logical CAN network:
// endpoint I/O, the three transport engines, address-claim state machines,
// and PGN dispatch.
type Router struct {
	ports []*port

	registry *isobus.Registry
	claimers map[*isobus.InternalCF]*addressclaim.Claimer

	classic    *transport.TransportProtocol
	extended   *transport.ExtendedTransportProtocol
	fastPacket *transport.FastPacketAssembler

	subscribers map[isobus.PGN]*isobus.Event[ReassembledMessage]
	OnMessage   isobus.Event[ReassembledMessage]

	OnAddressClaimed isobus.Event[ClaimedEvent]

	metrics *busLoadCollector
}

// ClaimedEvent is delivered through Router.OnAddressClaimed whenever one of
// this node's internal control functions finishes claiming an address.
type ClaimedEvent struct {
	CF      *isobus.InternalCF
	Address uint8
}

// Option configures optional Router behaviour at construction time.
type Option func(*Router)

// New creates an empty Router: no ports, no control functions, every
// transport engine wired and ready.
func New(opts ...Option) *Router {
	r := &Router{
		registry:    isobus.NewRegistry(),
		claimers:    make(map[*isobus.InternalCF]*addressclaim.Claimer),
		classic:     transport.NewTransportProtocol(),
		extended:    transport.NewExtendedTransportProtocol(),
		fastPacket:  transport.NewFastPacketAssembler(),
		subscribers: make(map[isobus.PGN]*isobus.Event[ReassembledMessage]),
	}

	r.classic.OnComplete.Subscribe(func(m transport.CompletedMessage) {
		r.dispatch(ReassembledMessage(m))
	})
	r.extended.OnComplete.Subscribe(func(m transport.CompletedMessage) {
		r.dispatch(ReassembledMessage(m))
	})
	r.fastPacket.OnComplete.Subscribe(func(m transport.CompletedMessage) {
		r.dispatch(ReassembledMessage(m))
	})

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPort registers a new CAN endpoint with the router and returns its
// port index, used for metrics labelling.
func (r *Router) AddPort(ep isobus.Endpoint) int {
	p := &port{endpoint: ep}
	r.ports = append(r.ports, p)
	if r.metrics != nil {
		r.metrics.track(p)
	}
	return len(r.ports) - 1
}

// RegisterFastPacket opts pgn into NMEA-2000 fast-packet framing for both
// outbound Send calls and inbound reassembly. There is no global
// fast-packet toggle; every PGN must be registered individually.
func (r *Router) RegisterFastPacket(pgn isobus.PGN) {
	r.fastPacket.Register(pgn)
}

// RegisterInternalCF adds cf to the registry and creates the Claimer that
// will drive its address-claim state machine. The claim itself does not
// begin until StartClaim is called.
func (r *Router) RegisterInternalCF(cf *isobus.InternalCF) *addressclaim.Claimer {
	r.registry.AddInternal(cf)
	c := addressclaim.New(cf)
	c.OnAddressClaimed.Subscribe(func(addr uint8) {
		r.OnAddressClaimed.Emit(ClaimedEvent{CF: cf, Address: addr})
	})
	r.claimers[cf] = c
	return c
}

// RegisterPartnerCF adds a remote control function descriptor this node
// wants to recognise by NAME.
func (r *Router) RegisterPartnerCF(p *isobus.PartnerCF) {
	r.registry.AddPartner(p)
}

// Registry exposes the underlying control-function registry.
func (r *Router) Registry() *isobus.Registry {
	return r.registry
}

// StartClaim begins (or restarts) cf's address-claim process and
// transmits the resulting frames.
func (r *Router) StartClaim(cf *isobus.InternalCF) error {
	c, ok := r.claimers[cf]
	if !ok {
		return isobus.ErrInvalidState
	}
	return r.transmit(c.Start())
}

// Subscribe registers handler for every reassembled message carrying pgn
// and returns a Token usable with Unsubscribe.
func (r *Router) Subscribe(pgn isobus.PGN, handler MessageHandler) isobus.Token {
	ev, ok := r.subscribers[pgn]
	if !ok {
		ev = &isobus.Event[ReassembledMessage]{}
		r.subscribers[pgn] = ev
	}
	return ev.Subscribe(func(m ReassembledMessage) { handler(m) })
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (r *Router) Unsubscribe(pgn isobus.PGN, tok isobus.Token) {
	if ev, ok := r.subscribers[pgn]; ok {
		ev.Unsubscribe(tok)
	}
}

// Send transmits payload under pgn from source to destination (nil means
// broadcast), choosing single-frame, classic transport, extended
// transport, or fast packet per payload size, destination, and whether pgn
// has been registered for fast packet.
func (r *Router) Send(priority uint8, pgn isobus.PGN, payload []byte, source *isobus.InternalCF, destination *isobus.PartnerCF) error {
	if reservedPGNs[pgn] {
		return isobus.ErrInvalidPGN
	}
	if source == nil || !source.IsClaimed() {
		return isobus.ErrNotConnected
	}

	dst := isobus.BroadcastAddress
	if destination != nil {
		if !destination.Online {
			return isobus.ErrInvalidAddress
		}
		dst = destination.Address
	}

	frames, err := r.buildOutbound(priority, pgn, payload, source.CurrentAddress, dst)
	if err != nil {
		return err
	}
	return r.transmit(frames)
}

func (r *Router) buildOutbound(priority uint8, pgn isobus.PGN, payload []byte, src, dst uint8) ([]isobus.Frame, error) {
	if r.fastPacket.IsRegistered(pgn) {
		return r.fastPacket.Send(pgn, payload, src, dst)
	}
	if len(payload) <= 8 {
		id := isobus.EncodeIdentifier(priority, pgn, src, dst)
		return []isobus.Frame{isobus.NewFrame(id, payload)}, nil
	}
	if len(payload) <= transport.TPMaxPayload {
		return r.classic.Send(pgn, payload, src, dst)
	}
	return r.extended.Send(pgn, payload, src, dst)
}

// AbortSession aborts a live classic-transport session for key and
// transmits the resulting ABORT frame (if any), returning the first
// endpoint error. An unknown key is a no-op that returns nil.
func (r *Router) AbortSession(key transport.SessionKey) error {
	return r.transmit(r.classic.AbortSession(key))
}

// transmit writes frames, in order, to every registered port. It attempts
// every port even if one fails, and returns the first EndpointError seen.
func (r *Router) transmit(frames []isobus.Frame) error {
	var firstErr error
	for _, f := range frames {
		for _, p := range r.ports {
			if !p.endpoint.CanSend() {
				continue
			}
			if err := p.endpoint.Send(f); err != nil {
				if firstErr == nil {
					firstErr = &isobus.EndpointError{Err: err}
				}
				continue
			}
			p.framesOut++
			p.bytesOut += uint64(f.Length)
		}
	}
	return firstErr
}

// Update drains every port's inbound frames, dispatches them, then
// advances the transport engines' timers (classic, then extended, then
// fast packet), then the address claimers' timers — in that fixed order,
// so a frame and a timeout landing in the same tick see the frame first.
func (r *Router) Update(elapsedMs int64) error {
	if err := r.drainPorts(); err != nil {
		return err
	}

	if err := r.transmit(r.classic.Update(elapsedMs)); err != nil {
		return err
	}
	if err := r.transmit(r.extended.Update(elapsedMs)); err != nil {
		return err
	}
	r.fastPacket.Update(elapsedMs)

	for _, c := range r.claimers {
		if err := r.transmit(c.Update(elapsedMs)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) drainPorts() error {
	for _, p := range r.ports {
		if !p.endpoint.CanRecv() {
			continue
		}
		for {
			f, err := p.endpoint.Recv()
			if errors.Is(err, isobus.ErrNoFrame) {
				break
			}
			if err != nil {
				return &isobus.EndpointError{Err: err}
			}
			p.framesIn++
			p.bytesIn += uint64(f.Length)
			if err := r.handleInbound(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Router) handleInbound(f isobus.Frame) error {
	pgn := f.PGN()

	switch pgn {
	case isobus.PGNTPControl, isobus.PGNTPData:
		return r.transmit(r.classic.HandleFrame(f))
	case isobus.PGNETPControl, isobus.PGNETPData:
		return r.transmit(r.extended.HandleFrame(f))
	case isobus.PGNAddressClaim:
		return r.handleAddressClaim(f)
	case isobus.PGNRequest:
		return r.handleRequestForClaim(f)
	}

	if r.fastPacket.IsRegistered(pgn) {
		r.fastPacket.HandleFrame(f)
		return nil
	}

	r.dispatch(ReassembledMessage{
		Source:      f.ID.Source,
		Destination: f.ID.Destination(),
		PGN:         pgn,
		Data:        append([]byte(nil), f.Payload()...),
	})
	return nil
}

func (r *Router) handleAddressClaim(f isobus.Frame) error {
	name := isobus.NameFromBytes(f.Data)
	r.registry.OnAddressClaim(f.ID.Source, name)

	for _, c := range r.claimers {
		if err := r.transmit(c.HandleClaim(f.ID.Source, name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleRequestForClaim(f isobus.Frame) error {
	if f.PGN() != isobus.PGNRequest {
		return nil
	}
	for _, c := range r.claimers {
		if err := r.transmit(c.HandleRequestForClaim()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) dispatch(m ReassembledMessage) {
	if ev, ok := r.subscribers[m.PGN]; ok {
		ev.Emit(m)
	}
	r.OnMessage.Emit(m)
}

func (r *Router) String() string {
	return fmt.Sprintf("router: %d port(s), %d internal CF(s)", len(r.ports), len(r.claimers))
}

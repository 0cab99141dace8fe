// Package addressclaim implements the per-internal-control-function
// address-claim state machine: contention, yielding within the
// self-configurable proprietary address range, and cannot-claim
// signalling.
package addressclaim

import (
	"github.com/rs/xid"

	isobus "github.com/robolibs/isobus-sub002"
)

// GuardTimeoutMs is the contention window a claim must survive
// unchallenged before the CF is considered Claimed: exactly 250ms, not
// 249ms.
const GuardTimeoutMs int64 = 250

// Self-configurable CFs that lose contention re-claim from this
// proprietary address range, wrapping.
const (
	selfConfigRangeStart uint8 = 0x80
	selfConfigRangeEnd   uint8 = 0xFD
)

// Claimer runs the address-claim state machine for one InternalCF. It is
// driven by the owning Router's update tick; it never blocks and owns no
// goroutines.
type Claimer struct {
	CF *isobus.InternalCF

	// DebugID is a correlation id for host-side log lines; it never
	// participates in protocol logic.
	DebugID xid.ID

	OnAddressClaimed isobus.Event[uint8]

	attempted bool
	guardMs   int64
}

// New creates a Claimer for cf. Nothing is transmitted until Start is
// called.
func New(cf *isobus.InternalCF) *Claimer {
	return &Claimer{CF: cf, DebugID: xid.New()}
}

// HasAttemptedClaim reports whether Start has ever been called; the
// claimer must not answer request-for-claim traffic before that.
func (c *Claimer) HasAttemptedClaim() bool {
	return c.attempted
}

// GuardTimerMs reports the accumulated contention-guard time, for tests
// that assert exact millisecond boundaries.
func (c *Claimer) GuardTimerMs() int64 {
	return c.guardMs
}

// Start begins (or restarts) the claim process on cf.PreferredAddress:
// emits a request-for-address-claimed frame, emits our own claim, resets
// the guard timer, and marks the claim as attempted.
func (c *Claimer) Start() []isobus.Frame {
	c.CF.CurrentAddress = c.CF.PreferredAddress
	c.CF.State = isobus.ClaimWaitForContest
	c.guardMs = 0
	c.attempted = true

	return []isobus.Frame{
		c.requestForClaimFrame(),
		c.claimFrame(c.CF.CurrentAddress),
	}
}

// Update advances the contention guard timer by elapsedMs. Once the guard
// reaches GuardTimeoutMs with no disqualifying contender having been
// reported via HandleClaim, the CF transitions to Claimed and
// OnAddressClaimed fires.
func (c *Claimer) Update(elapsedMs int64) []isobus.Frame {
	if c.CF.State != isobus.ClaimWaitForContest {
		return nil
	}
	c.guardMs += elapsedMs
	if c.guardMs >= GuardTimeoutMs {
		c.CF.State = isobus.ClaimClaimed
		c.OnAddressClaimed.Emit(c.CF.CurrentAddress)
	}
	return nil
}

// HandleClaim processes an observed address-claim from another node for
// contenderAddress. If contenderAddress isn't the address we currently
// hold or are contesting, it is ignored. Equal NAMEs are treated as a loss.
func (c *Claimer) HandleClaim(contenderAddress uint8, contenderName isobus.Name) []isobus.Frame {
	if contenderAddress != c.CF.CurrentAddress {
		return nil
	}
	if c.CF.State != isobus.ClaimWaitForContest && c.CF.State != isobus.ClaimClaimed {
		return nil
	}

	weLost := contenderName == c.CF.NAME || contenderName.Less(c.CF.NAME)
	if !weLost {
		// We won: re-assert our claim, guard timer (if any) continues.
		return []isobus.Frame{c.claimFrame(c.CF.CurrentAddress)}
	}

	if c.CF.NAME.IsSelfConfigurable() {
		next := nextSelfConfigAddress(c.CF.CurrentAddress)
		c.CF.CurrentAddress = next
		c.CF.State = isobus.ClaimWaitForContest
		c.guardMs = 0
		return []isobus.Frame{c.claimFrame(next)}
	}

	c.CF.State = isobus.ClaimFailed
	return nil
}

// HandleRequestForClaim answers a request-for-address-claimed broadcast.
// Before the first Start(), nothing is sent. A Claimed CF re-asserts its
// claim; a Failed CF replies with a cannot-claim frame (SA=NullAddress).
func (c *Claimer) HandleRequestForClaim() []isobus.Frame {
	if !c.attempted {
		return nil
	}
	switch c.CF.State {
	case isobus.ClaimClaimed:
		return []isobus.Frame{c.claimFrame(c.CF.CurrentAddress)}
	case isobus.ClaimFailed:
		return []isobus.Frame{c.cannotClaimFrame()}
	default:
		return nil
	}
}

func (c *Claimer) requestForClaimFrame() isobus.Frame {
	id := isobus.EncodeIdentifier(6, isobus.PGNRequest, isobus.NullAddress, isobus.BroadcastAddress)
	pgn := uint32(isobus.PGNAddressClaim)
	return isobus.NewFrame(id, []byte{
		byte(pgn),
		byte(pgn >> 8),
		byte(pgn >> 16),
	})
}

func (c *Claimer) claimFrame(address uint8) isobus.Frame {
	id := isobus.EncodeIdentifier(6, isobus.PGNAddressClaim, address, isobus.BroadcastAddress)
	name := c.CF.NAME.Bytes()
	return isobus.NewFrame(id, name[:])
}

func (c *Claimer) cannotClaimFrame() isobus.Frame {
	id := isobus.EncodeIdentifier(6, isobus.PGNAddressClaim, isobus.NullAddress, isobus.BroadcastAddress)
	name := c.CF.NAME.Bytes()
	return isobus.NewFrame(id, name[:])
}

func nextSelfConfigAddress(current uint8) uint8 {
	if current < selfConfigRangeStart || current >= selfConfigRangeEnd {
		return selfConfigRangeStart
	}
	return current + 1
}

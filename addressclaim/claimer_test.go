package addressclaim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	isobus "github.com/robolibs/isobus-sub002"
)

func selfConfigurableName(identity uint32) isobus.Name {
	return isobus.NewName(isobus.NameFields{IdentityNumber: identity, SelfConfigurable: true})
}

func TestClaimerNotAttemptedBeforeStart(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(1234), 0x28)
	c := New(cf)

	assert.False(t, c.HasAttemptedClaim())
	assert.Empty(t, c.HandleRequestForClaim())
}

func TestClaimerStartEmitsRequestAndClaim(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(999), 0x30)
	c := New(cf)

	frames := c.Start()
	require.Len(t, frames, 2)
	assert.Equal(t, isobus.PGNRequest, frames[0].PGN())
	assert.Equal(t, isobus.PGNAddressClaim, frames[1].PGN())
	assert.True(t, c.HasAttemptedClaim())
	assert.Equal(t, isobus.ClaimWaitForContest, cf.State)

	assert.Equal(t, uint8(3), frames[0].Length, "request-for-claim carries a 3-byte PGN payload")
	assert.Equal(t, uint8(8), frames[1].Length, "a claim frame always carries the full 8-byte NAME")
}

// TestClaimGuardBoundary is B1: claim succeeds at exactly 250ms, not 249ms.
func TestClaimGuardBoundary(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(500), 0x28)
	c := New(cf)
	c.Start()

	c.Update(249)
	assert.Equal(t, isobus.ClaimWaitForContest, cf.State)

	c.Update(1)
	assert.Equal(t, isobus.ClaimClaimed, cf.State)
	assert.Equal(t, uint8(0x28), cf.CurrentAddress)
}

func TestClaimGuardResetsOnStart(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(1), 0x28)
	c := New(cf)
	c.Start()
	c.Update(100)
	assert.EqualValues(t, 100, c.GuardTimerMs())

	c.Start()
	assert.EqualValues(t, 0, c.GuardTimerMs())
}

func TestClaimLoseToLowerNameSelfConfigurableYields(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(200), 0x28)
	c := New(cf)
	c.Start()
	c.Update(100)

	contender := isobus.NewName(isobus.NameFields{IdentityNumber: 50, SelfConfigurable: true})
	frames := c.HandleClaim(0x28, contender)

	assert.NotEmpty(t, frames)
	assert.Equal(t, isobus.ClaimWaitForContest, cf.State)
	assert.NotEqual(t, uint8(0x28), cf.CurrentAddress)
	assert.GreaterOrEqual(t, cf.CurrentAddress, uint8(0x80))
}

func TestClaimWinAgainstHigherNameReassertsClaim(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(200), 0x28)
	c := New(cf)
	c.Start()
	c.Update(100)

	contender := isobus.NewName(isobus.NameFields{IdentityNumber: 500, SelfConfigurable: true})
	frames := c.HandleClaim(0x28, contender)

	assert.NotEmpty(t, frames)
	assert.Equal(t, isobus.ClaimWaitForContest, cf.State)
	assert.Equal(t, uint8(0x28), cf.CurrentAddress)
}

func TestClaimEqualNameTreatedAsLoss(t *testing.T) {
	name := selfConfigurableName(777)
	cf := isobus.NewInternalCF(name, 0x28)
	c := New(cf)
	c.Start()

	frames := c.HandleClaim(0x28, name)
	assert.NotEmpty(t, frames)
	assert.NotEqual(t, uint8(0x28), cf.CurrentAddress)
}

func TestClaimNonSelfConfigurableFails(t *testing.T) {
	name := isobus.NewName(isobus.NameFields{IdentityNumber: 200})
	cf := isobus.NewInternalCF(name, 0x28)
	c := New(cf)
	c.Start()

	contender := isobus.NewName(isobus.NameFields{IdentityNumber: 50})
	frames := c.HandleClaim(0x28, contender)

	assert.Empty(t, frames)
	assert.Equal(t, isobus.ClaimFailed, cf.State)
}

func TestRequestForClaimResponses(t *testing.T) {
	t.Run("claimed responds with own claim", func(t *testing.T) {
		cf := isobus.NewInternalCF(isobus.NewName(isobus.NameFields{IdentityNumber: 1000}), 0x20)
		c := New(cf)
		c.Start()
		c.Update(GuardTimeoutMs)
		require.Equal(t, isobus.ClaimClaimed, cf.State)

		frames := c.HandleRequestForClaim()
		require.Len(t, frames, 1)
		assert.Equal(t, uint8(0x20), frames[0].ID.Source)
		assert.Equal(t, isobus.PGNAddressClaim, frames[0].PGN())
	})

	t.Run("failed responds with cannot-claim SA=NullAddress", func(t *testing.T) {
		cf := isobus.NewInternalCF(isobus.NewName(isobus.NameFields{IdentityNumber: 200}), 0x28)
		c := New(cf)
		c.Start()
		c.HandleClaim(0x28, isobus.NewName(isobus.NameFields{IdentityNumber: 50}))
		require.Equal(t, isobus.ClaimFailed, cf.State)

		frames := c.HandleRequestForClaim()
		require.Len(t, frames, 1)
		assert.Equal(t, isobus.NullAddress, frames[0].ID.Source)
	})
}

func TestAddressClaimedEventFires(t *testing.T) {
	cf := isobus.NewInternalCF(selfConfigurableName(1), 0x28)
	c := New(cf)

	var claimedAt uint8
	fired := false
	c.OnAddressClaimed.Subscribe(func(addr uint8) {
		fired = true
		claimedAt = addr
	})

	c.Start()
	c.Update(GuardTimeoutMs)

	assert.True(t, fired)
	assert.Equal(t, uint8(0x28), claimedAt)
}

// TestTwoCFsContending exercises two internal CFs contending for the same address.
func TestTwoCFsContending(t *testing.T) {
	cfA := isobus.NewInternalCF(selfConfigurableName(100), 0x28)
	cfB := isobus.NewInternalCF(isobus.NewName(isobus.NameFields{IdentityNumber: 50, SelfConfigurable: true}), 0x28)
	claimerA := New(cfA)
	claimerB := New(cfB)

	claimerA.Start()
	claimerB.Start()

	// A sees B's claim for 0x28, B's NAME is lower -> A yields.
	framesA := claimerA.HandleClaim(0x28, cfB.NAME)
	// B sees A's claim for 0x28, A's NAME is higher -> B defends.
	framesB := claimerB.HandleClaim(0x28, cfA.NAME)

	assert.NotEmpty(t, framesA, "A must emit a new claim on its new address")
	assert.NotEqual(t, uint8(0x28), cfA.CurrentAddress)
	assert.Equal(t, uint8(0x28), cfB.CurrentAddress)
	assert.NotEmpty(t, framesB)

	claimerA.Update(GuardTimeoutMs)
	claimerB.Update(GuardTimeoutMs)

	assert.Equal(t, isobus.ClaimClaimed, cfA.State)
	assert.Equal(t, isobus.ClaimClaimed, cfB.State)
	assert.Equal(t, uint8(0x28), cfB.CurrentAddress)
}

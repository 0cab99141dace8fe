package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyConstruction(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		p := NewPolicy()
		assert.Equal(t, StateNormal, p.State())
		assert.True(t, p.IsSafe())
		assert.False(t, p.IsDegraded())
	})

	t.Run("custom configuration", func(t *testing.T) {
		cfg := NewConfig().
			WithHeartbeatTimeout(1000).
			WithCommandFreshness(500).
			WithEscalationDelay(5000).
			WithDefaultDegradedAction(DegradedActionRampDown)
		p := NewPolicyWithConfig(cfg)
		assert.True(t, p.IsSafe())
	})
}

func TestPolicyFreshnessRequirements(t *testing.T) {
	newPolicy := func() *Policy {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"heartbeat", 500, 2000, DegradedActionHoldLast})
		return p
	}

	t.Run("stays normal when source reports alive within timeout", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("heartbeat")
		p.Update(100)
		assert.True(t, p.IsSafe())
		p.Update(100)
		assert.True(t, p.IsSafe())
		p.Update(100)
		assert.True(t, p.IsSafe())
	})

	t.Run("transitions to degraded when source is stale", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("heartbeat")
		p.Update(600)
		assert.True(t, p.IsDegraded())
		assert.False(t, p.IsSafe())
	})

	t.Run("never-seen source triggers degraded immediately", func(t *testing.T) {
		p := newPolicy()
		p.Update(600)
		assert.True(t, p.IsDegraded())
	})
}

func TestPolicyEscalationToEmergency(t *testing.T) {
	newPolicy := func() *Policy {
		cfg := NewConfig().WithEscalationDelay(2000)
		p := NewPolicyWithConfig(cfg)
		p.RequireFreshness(FreshnessRequirement{"command", 200, 1000, DegradedActionImmediate})
		return p
	}

	t.Run("escalates to emergency after escalation timeout", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("command")
		p.Update(300) // age = 300 > 200 -> Degraded
		require.True(t, p.IsDegraded())

		p.Update(500)
		assert.True(t, p.IsDegraded()) // 500ms in degraded, not yet escalated

		p.Update(600) // 1100ms in degraded > 1000 escalation
		assert.Equal(t, StateEmergency, p.State())
	})

	t.Run("recovers from degraded if source comes back", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("command")
		p.Update(300)
		require.True(t, p.IsDegraded())

		p.ReportAlive("command")
		p.Update(10)
		assert.True(t, p.IsSafe())
	})
}

func TestPolicyMultipleSources(t *testing.T) {
	newPolicy := func() *Policy {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"heartbeat", 500, 2000, DegradedActionHoldLast})
		p.RequireFreshness(FreshnessRequirement{"speed", 300, 1500, DegradedActionRampDown})
		return p
	}

	t.Run("both fresh keeps normal", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("heartbeat")
		p.ReportAlive("speed")
		p.Update(200)
		assert.True(t, p.IsSafe())
	})

	t.Run("one stale triggers degraded", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("heartbeat")
		p.ReportAlive("speed")
		p.Update(400) // speed age = 400 > 300
		assert.True(t, p.IsDegraded())
	})

	t.Run("recovery requires all sources fresh", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("heartbeat")
		p.ReportAlive("speed")
		p.Update(400)
		require.True(t, p.IsDegraded())

		p.ReportAlive("speed")
		p.Update(10)
		assert.True(t, p.IsSafe()) // heartbeat age = 410 < 500, speed fresh
	})
}

func TestPolicyManualStateControl(t *testing.T) {
	t.Run("trigger emergency from normal", func(t *testing.T) {
		p := NewPolicy()
		p.TriggerEmergency("sensor failure")
		assert.Equal(t, StateEmergency, p.State())
	})

	t.Run("trigger emergency from degraded", func(t *testing.T) {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"src", 100, 500, DegradedActionHoldLast})
		p.Update(200)
		p.TriggerEmergency("operator override")
		assert.Equal(t, StateEmergency, p.State())
	})

	t.Run("reset to normal from emergency", func(t *testing.T) {
		p := NewPolicy()
		p.TriggerEmergency("test")
		require.Equal(t, StateEmergency, p.State())
		p.ResetToNormal()
		assert.True(t, p.IsSafe())
	})

	t.Run("reset to normal resets timestamps", func(t *testing.T) {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"src", 100, 500, DegradedActionHoldLast})
		p.Update(200)
		require.True(t, p.IsDegraded())
		p.ResetToNormal()
		require.True(t, p.IsSafe())
		p.Update(50)
		assert.True(t, p.IsSafe())
	})
}

func TestPolicyEvents(t *testing.T) {
	newPolicy := func() *Policy {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"heartbeat", 200, 1000, DegradedActionImmediate})
		return p
	}

	t.Run("on state change fires on degradation", func(t *testing.T) {
		p := newPolicy()
		var changes []StateChange
		p.OnStateChange.Subscribe(func(sc StateChange) { changes = append(changes, sc) })

		p.ReportAlive("heartbeat")
		p.Update(300)
		require.Len(t, changes, 1)
		assert.Equal(t, StateNormal, changes[0].Old)
		assert.Equal(t, StateDegraded, changes[0].New)
	})

	t.Run("on source timeout fires with source name", func(t *testing.T) {
		p := newPolicy()
		var timedOut string
		p.OnSourceTimeout.Subscribe(func(src string) { timedOut = src })

		p.ReportAlive("heartbeat")
		p.Update(300)
		assert.Equal(t, "heartbeat", timedOut)
	})

	t.Run("on emergency fires with reason", func(t *testing.T) {
		p := newPolicy()
		var reason string
		p.OnEmergency.Subscribe(func(r string) { reason = r })

		p.TriggerEmergency("critical fault")
		assert.NotEmpty(t, reason)
		assert.Equal(t, "critical fault", reason)
	})

	t.Run("on emergency fires on escalation", func(t *testing.T) {
		p := newPolicy()
		var reason string
		p.OnEmergency.Subscribe(func(r string) { reason = r })

		p.ReportAlive("heartbeat")
		p.Update(300) // Degraded
		p.Update(800) // still degraded, 800ms
		p.Update(300) // 1100ms in degraded > 1000 escalation
		assert.Equal(t, StateEmergency, p.State())
		assert.NotEmpty(t, reason)
	})
}

func TestPolicyCurrentAction(t *testing.T) {
	newPolicy := func() *Policy {
		p := NewPolicy()
		p.RequireFreshness(FreshnessRequirement{"sensor_a", 200, 1000, DegradedActionHoldLast})
		p.RequireFreshness(FreshnessRequirement{"sensor_b", 300, 1000, DegradedActionDisable})
		return p
	}

	t.Run("returns default when normal", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("sensor_a")
		p.ReportAlive("sensor_b")
		p.Update(100)
		assert.Equal(t, DegradedActionHoldLast, p.CurrentAction())
	})

	t.Run("returns worst action when degraded", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("sensor_a")
		p.ReportAlive("sensor_b")
		p.Update(400)
		require.True(t, p.IsDegraded())
		assert.Equal(t, DegradedActionDisable, p.CurrentAction())
	})

	t.Run("returns specific source action when only one stale", func(t *testing.T) {
		p := newPolicy()
		p.ReportAlive("sensor_a")
		p.ReportAlive("sensor_b")
		p.Update(250) // sensor_a stale (>200), sensor_b fresh (<300)
		require.True(t, p.IsDegraded())
		assert.Equal(t, DegradedActionHoldLast, p.CurrentAction())
	})
}

func TestPolicyEmergencyIsSticky(t *testing.T) {
	p := NewPolicy()
	p.RequireFreshness(FreshnessRequirement{"src", 100, 500, DegradedActionHoldLast})

	p.Update(200) // Degraded
	p.Update(600) // Emergency (600ms in degraded > 500 escalation)
	require.Equal(t, StateEmergency, p.State())

	p.ReportAlive("src")
	p.Update(10)
	assert.Equal(t, StateEmergency, p.State())

	p.ResetToNormal()
	assert.True(t, p.IsSafe())
}

package realtime

import "fmt"

// Tier is one subscription strategy, ordered from most to least selective.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierOptimized Tier = "optimized"
	TierFallback  Tier = "fallback"
)

var tierOrder = []Tier{TierPrimary, TierOptimized, TierFallback}

type State string

const (
	StateTryingPrimary   State = "trying_primary"
	StateTryingOptimized State = "trying_optimized"
	StateTryingFallback  State = "trying_fallback"
	StateActive          State = "active"
	StateUnavailable     State = "unavailable"
)

type Event string

const (
	EventSetupOK          Event = "setup_ok"
	EventSetupFailed      Event = "setup_failed"
	EventHeartbeatTimeout Event = "heartbeat_timeout"
)

func tryingState(t Tier) State {
	switch t {
	case TierPrimary:
		return StateTryingPrimary
	case TierOptimized:
		return StateTryingOptimized
	default:
		return StateTryingFallback
	}
}

func nextTier(t Tier) (Tier, bool) {
	for i, tier := range tierOrder {
		if tier == t && i+1 < len(tierOrder) {
			return tierOrder[i+1], true
		}
	}
	return "", false
}

// machine is the tier escalation state machine of one session. Tiers are
// only ever walked forward; there is no automatic step back up.
type machine struct {
	state State
	tier  Tier
}

func newMachine() *machine {
	return &machine{state: StateTryingPrimary, tier: TierPrimary}
}

func (m *machine) State() State { return m.state }

func (m *machine) Tier() Tier { return m.tier }

// Fire applies ev and returns the new state.
func (m *machine) Fire(ev Event) (State, error) {
	switch {
	case m.state == StateUnavailable:
	case m.state == StateActive && ev == EventHeartbeatTimeout:
		return m.escalate(), nil
	case m.state != StateActive && ev == EventSetupOK:
		m.state = StateActive
		return m.state, nil
	case m.state != StateActive && ev == EventSetupFailed:
		return m.escalate(), nil
	}
	return m.state, fmt.Errorf("sync: event %s not allowed in state %s", ev, m.state)
}

func (m *machine) escalate() State {
	next, ok := nextTier(m.tier)
	if !ok {
		m.state = StateUnavailable
		return m.state
	}
	m.tier = next
	m.state = tryingState(next)
	return m.state
}

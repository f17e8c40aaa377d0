// Package worldtick implements the World Tick Orchestrator (§4.6): the
// fixed-order sweep run once per scheduled tick, binding each Normal
// connection's csend/xsend to the external simulation collaborators.
package worldtick

import (
	"time"

	"github.com/aethercore/tickengine/internal/netconn"
	"github.com/aethercore/tickengine/internal/netmgr"
	"github.com/aethercore/tickengine/internal/wire"
)

// Sender is the per-connection hook the simulation collaborators use to
// push messages this tick, bound to a single connection id so callers
// never need to thread a *netconn.Connection through game logic (§4.6).
type Sender struct {
	CSend func(payload []byte) error
	XSend func(payload []byte) error
}

// PopulateTicker runs populate_tick: the entity-spawn/despawn sweep that
// must run first, before any effect or item resolution can observe a
// consistent population (§4.6 step order).
type PopulateTicker interface {
	PopulateTick(slip time.Duration)
}

// EffectTicker runs effect_tick: buffs, DOTs, and other timed effects.
type EffectTicker interface {
	EffectTick(slip time.Duration)
}

// ItemTicker runs item_tick: item cooldowns, decay, and ground-item expiry.
type ItemTicker interface {
	ItemTick(slip time.Duration)
}

// PlayerTicker runs plr_tick for one Normal connection, with send bound to
// that connection for the duration of the call (§4.6, §4.7: the plr_cmd
// collaborator is out of core scope, but the orchestrator still owns the
// send-binding contract it relies on).
type PlayerTicker interface {
	PlayerTick(slip time.Duration, slot uint32, send Sender)
}

// GlobalTicker runs global_tick: world-wide bookkeeping that must see the
// effects of every other subsystem's work this tick, so it runs last.
type GlobalTicker interface {
	GlobalTick(slip time.Duration)
}

// LagNotifier is an optional PlayerTicker extension: the gameplay
// collaborator implements it to hear about a connection "stoning"
// (§4.3 keepalive — advisory, never a disconnect on its own).
type LagNotifier interface {
	NotifyLagStone(slot uint32, lag uint32)
}

// Orchestrator runs one fixed-order world tick sweep (§4.6):
// populate_tick, effect_tick, item_tick, plr_tick per Normal connection,
// global_tick. Any stage may be nil, in which case it is skipped — useful
// for tests and for partial deployments that don't yet wire every
// simulation collaborator.
type Orchestrator struct {
	table    *netmgr.Table
	populate PopulateTicker
	effect   EffectTicker
	item     ItemTicker
	player   PlayerTicker
	global   GlobalTicker

	ticker uint32
	// tickSV is asked, for every connection that is not Disconnecting,
	// whether to emit SV_TICK{phase} to it this tick via xsend; nil
	// disables emission. The login state machine's emitter says yes only
	// for connections that have not yet reached Normal (§5 Open Question
	// resolution: SV_TICK is not broadcast every tick in steady state). It
	// receives globals.ticker so the
	// emitted phase is globals.ticker mod TICKS (§4.6 step 6, §6), not an
	// independent per-connection counter.
	tickSV func(conn *netconn.Connection, ticker uint32) (phase byte, emit bool)

	// lagStoneThreshold is LAG_STONE_THRESHOLD (§4.3): zero disables the
	// advisory notification entirely.
	lagStoneThreshold uint32
}

// New creates an Orchestrator sweeping table's connections each tick.
// Any of the ticker arguments may be nil.
func New(table *netmgr.Table, populate PopulateTicker, effect EffectTicker, item ItemTicker, player PlayerTicker, global GlobalTicker) *Orchestrator {
	return &Orchestrator{
		table:    table,
		populate: populate,
		effect:   effect,
		item:     item,
		player:   player,
		global:   global,
	}
}

// SetTickEmitter installs the predicate deciding, per connection, whether
// to emit SV_TICK{phase} this tick via xsend (§5, §6). A nil emitter
// disables SV_TICK emission entirely.
func (o *Orchestrator) SetTickEmitter(fn func(conn *netconn.Connection, ticker uint32) (phase byte, emit bool)) {
	o.tickSV = fn
}

// SetLagStoneThreshold installs LAG_STONE_THRESHOLD (§4.3): once a bound
// connection's (ltick-rtick) lag exceeds it, Tick notifies the player
// ticker (if it implements LagNotifier) every tick the lag stays over
// threshold. Zero disables the check.
func (o *Orchestrator) SetLagStoneThreshold(threshold uint32) {
	o.lagStoneThreshold = threshold
}

// Tick runs the fixed-order sweep exactly once (§4.6). slip is the drift
// reported by the scheduler for this boundary (§4.5), forwarded to every
// stage so simulation code can compensate for a late tick if it needs to.
func (o *Orchestrator) Tick(slip time.Duration) {
	o.ticker++

	if o.populate != nil {
		o.populate.PopulateTick(slip)
	}
	if o.effect != nil {
		o.effect.EffectTick(slip)
	}
	if o.item != nil {
		o.item.ItemTick(slip)
	}

	o.table.ForEach(func(c *netconn.Connection) bool {
		if c.IsDisconnecting() {
			return true
		}

		// SV_TICK is a handshake-only heartbeat (§5): it is emitted for
		// connections still completing login, not for Normal ones, so
		// this runs regardless of state below.
		o.emitTickIfDue(c)

		// A connection that finished the challenge handshake this tick
		// sits in NewLogin/Login — it is promoted to Normal here, on the
		// tick after SV_LOGIN_OK/SV_NEW_PLAYER went out, so plr_tick never
		// runs against it in the same iteration it was bound (§4.7 step 4:
		// "→ Normal on next tick").
		if c.State() == netconn.StateNewLogin || c.State() == netconn.StateLogin {
			c.SetState(netconn.StateNormal)
			return true
		}

		if c.State() != netconn.StateNormal {
			return true
		}

		slot, bound := c.CharacterSlot()
		if !bound || o.player == nil {
			c.AdvanceLTick()
			return true
		}

		send := Sender{
			CSend: c.CSend,
			XSend: c.XSend,
		}
		o.player.PlayerTick(slip, slot, send)
		o.notifyLagStone(c, slot)
		c.AdvanceLTick()
		return true
	})

	if o.global != nil {
		o.global.GlobalTick(slip)
	}
}

func (o *Orchestrator) notifyLagStone(c *netconn.Connection, slot uint32) {
	if o.lagStoneThreshold == 0 {
		return
	}
	lag := c.LagTicks()
	if lag <= o.lagStoneThreshold {
		return
	}
	if notifier, ok := o.player.(LagNotifier); ok {
		notifier.NotifyLagStone(slot, lag)
	}
}

func (o *Orchestrator) emitTickIfDue(c *netconn.Connection) {
	if o.tickSV == nil {
		return
	}
	phase, emit := o.tickSV(c, o.ticker)
	if !emit {
		return
	}
	_ = c.XSend([]byte{wire.SVTick, phase})
}

// Ticker returns the monotonically increasing tick counter (§4.6
// globals.ticker), incremented once per call to Tick.
func (o *Orchestrator) Ticker() uint32 { return o.ticker }

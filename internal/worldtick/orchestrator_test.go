package worldtick

import (
	"net"
	"testing"
	"time"

	"github.com/aethercore/tickengine/internal/netconn"
	"github.com/aethercore/tickengine/internal/netmgr"
	"github.com/aethercore/tickengine/internal/wire"
)

type orderRecorder struct {
	order *[]string
}

func (r orderRecorder) PopulateTick(time.Duration) { *r.order = append(*r.order, "populate") }
func (r orderRecorder) EffectTick(time.Duration)   { *r.order = append(*r.order, "effect") }
func (r orderRecorder) ItemTick(time.Duration)     { *r.order = append(*r.order, "item") }
func (r orderRecorder) GlobalTick(time.Duration)   { *r.order = append(*r.order, "global") }

type playerRecorder struct {
	order *[]string
	slots []uint32
}

func (p *playerRecorder) PlayerTick(slip time.Duration, slot uint32, send Sender) {
	*p.order = append(*p.order, "player")
	p.slots = append(p.slots, slot)
}

func newNormalConn(t *testing.T, table *netmgr.Table) *netconn.Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c, err := table.Alloc(server, 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.SetState(netconn.StateNormal)
	return c
}

func TestTickRunsStagesInFixedOrder(t *testing.T) {
	table := netmgr.NewTable(4)
	var order []string
	rec := orderRecorder{order: &order}
	player := &playerRecorder{order: &order}

	newNormalConn(t, table)

	o := New(table, rec, rec, rec, player, rec)
	o.Tick(0)

	want := []string{"populate", "effect", "item", "player", "global"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTickSkipsNonNormalConnections(t *testing.T) {
	table := netmgr.NewTable(4)
	var order []string
	player := &playerRecorder{order: &order}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c, err := table.Alloc(server, 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.SetState(netconn.StateLogin) // not Normal

	o := New(table, nil, nil, nil, player, nil)
	o.Tick(0)

	if len(player.slots) != 0 {
		t.Errorf("player tick ran for non-Normal connection")
	}
}

func TestTickSkipsPlayerTickWhenNoCharacterBound(t *testing.T) {
	table := netmgr.NewTable(4)
	var order []string
	player := &playerRecorder{order: &order}

	c := newNormalConn(t, table)
	if _, bound := c.CharacterSlot(); bound {
		t.Fatal("connection should start unbound")
	}

	o := New(table, nil, nil, nil, player, nil)
	o.Tick(0)

	if len(player.slots) != 0 {
		t.Error("player tick should not run for an unbound connection")
	}
	if c.LTick() != 1 {
		t.Errorf("LTick() = %d, want 1 (advanced even without a bound character)", c.LTick())
	}
}

func TestTickAdvancesLTickForBoundConnection(t *testing.T) {
	table := netmgr.NewTable(4)
	var order []string
	player := &playerRecorder{order: &order}

	c := newNormalConn(t, table)
	c.BindCharacterSlot(7)

	o := New(table, nil, nil, nil, player, nil)
	o.Tick(0)

	if len(player.slots) != 1 || player.slots[0] != 7 {
		t.Fatalf("player.slots = %v, want [7]", player.slots)
	}
	if c.LTick() != 1 {
		t.Errorf("LTick() = %d, want 1", c.LTick())
	}
}

func TestTickEmitsSVTickOnlyWhenEmitterSaysSo(t *testing.T) {
	table := netmgr.NewTable(4)
	c := newNormalConn(t, table)

	o := New(table, nil, nil, nil, nil, nil)
	o.SetTickEmitter(func(conn *netconn.Connection, ticker uint32) (byte, bool) {
		return 3, true
	})
	o.Tick(0)

	buf := c.TickBuf()
	if len(buf) != 2 || buf[0] != wire.SVTick || buf[1] != 3 {
		t.Fatalf("tick buf = %v, want [SV_TICK, 3]", buf)
	}
}

type lagRecorder struct {
	playerRecorder
	slot uint32
	lag  uint32
	n    int
}

func (l *lagRecorder) NotifyLagStone(slot uint32, lag uint32) {
	l.slot, l.lag = slot, lag
	l.n++
}

func TestTickNotifiesLagStoneOverThreshold(t *testing.T) {
	table := netmgr.NewTable(4)
	c := newNormalConn(t, table)
	c.BindCharacterSlot(9)
	c.SetRTick(0)
	for i := 0; i < 5; i++ {
		c.AdvanceLTick() // ltick=5, rtick=0 -> lag 5
	}

	var order []string
	player := &lagRecorder{playerRecorder: playerRecorder{order: &order}}

	o := New(table, nil, nil, nil, player, nil)
	o.SetLagStoneThreshold(3)
	o.Tick(0)

	if player.n != 1 || player.slot != 9 || player.lag != 5 {
		t.Fatalf("lagRecorder = %+v, want one call with slot=9 lag=5", player)
	}
}

func TestTickSkipsLagStoneBelowThreshold(t *testing.T) {
	table := netmgr.NewTable(4)
	c := newNormalConn(t, table)
	c.BindCharacterSlot(9)

	var order []string
	player := &lagRecorder{playerRecorder: playerRecorder{order: &order}}

	o := New(table, nil, nil, nil, player, nil)
	o.SetLagStoneThreshold(3)
	o.Tick(0)

	if player.n != 0 {
		t.Fatalf("lagRecorder.n = %d, want 0 (lag within threshold)", player.n)
	}
}

func TestTickPromotesLoginToNormalWithoutRunningPlayerTickThatTick(t *testing.T) {
	table := netmgr.NewTable(4)
	var order []string
	player := &playerRecorder{order: &order}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c, err := table.Alloc(server, 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.SetState(netconn.StateLogin)
	c.BindCharacterSlot(5)

	o := New(table, nil, nil, nil, player, nil)
	o.Tick(0)

	if c.State() != netconn.StateNormal {
		t.Fatalf("state after tick = %v, want Normal", c.State())
	}
	if len(player.slots) != 0 {
		t.Errorf("player tick ran in the same tick the connection was promoted")
	}

	o.Tick(0)
	if len(player.slots) != 1 || player.slots[0] != 5 {
		t.Fatalf("player.slots after second tick = %v, want [5]", player.slots)
	}
}

func TestTickPromotesNewLoginToNormal(t *testing.T) {
	table := netmgr.NewTable(4)
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	c, err := table.Alloc(server, 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.SetState(netconn.StateNewLogin)

	o := New(table, nil, nil, nil, nil, nil)
	o.Tick(0)

	if c.State() != netconn.StateNormal {
		t.Fatalf("state after tick = %v, want Normal", c.State())
	}
}

func TestTickerIncrementsOncePerTick(t *testing.T) {
	table := netmgr.NewTable(4)
	o := New(table, nil, nil, nil, nil, nil)
	o.Tick(0)
	o.Tick(0)
	if o.Ticker() != 2 {
		t.Errorf("Ticker() = %d, want 2", o.Ticker())
	}
}

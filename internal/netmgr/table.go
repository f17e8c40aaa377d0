package netmgr

import (
	"fmt"
	"net"

	"github.com/aethercore/tickengine/internal/netconn"
)

// ErrTableFull is returned by Table.Alloc when the connection table has
// reached its fixed capacity (§4.4: "fixed max e.g. 256").
var ErrTableFull = fmt.Errorf("netmgr: connection table full")

// Table is a dense, fixed-capacity connection slot array with a
// free-list, so accept/allocate and disconnect/release are both O(1) and
// never grow the backing array — grounded on the teacher's ClientManager
// registration bookkeeping, adapted from a growable map to a capped array
// since the spec requires a fixed maximum (§4.4).
type Table struct {
	slots []*netconn.Connection
	free  []int
}

// NewTable creates a Table with room for max simultaneous connections.
func NewTable(max int) *Table {
	t := &Table{
		slots: make([]*netconn.Connection, max),
		free:  make([]int, max),
	}
	for i := range t.free {
		t.free[i] = max - 1 - i // pop from the end gives slot 0 first
	}
	return t
}

// Alloc reserves a free slot for conn and returns the new Connection.
func (t *Table) Alloc(conn net.Conn, obufCap, tbufCap int) (*netconn.Connection, error) {
	if len(t.free) == 0 {
		return nil, ErrTableFull
	}
	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	c := netconn.New(id, conn, obufCap, tbufCap)
	t.slots[id] = c
	return c, nil
}

// Free releases id back to the free-list. Safe to call on an id that is
// not currently occupied (a no-op).
func (t *Table) Free(id int) {
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return
	}
	t.slots[id] = nil
	t.free = append(t.free, id)
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	return len(t.slots) - len(t.free)
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}

// ForEach iterates over every occupied slot. fn returning false stops
// iteration early.
func (t *Table) ForEach(fn func(*netconn.Connection) bool) {
	for _, c := range t.slots {
		if c == nil {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// Get returns the connection at id, or nil if the slot is free.
func (t *Table) Get(id int) *netconn.Connection {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

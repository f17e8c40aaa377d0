// Package netconn implements per-client connection state (§4.3): the
// socket, the recv buffer and command parser, the two outbound byte
// streams (csend/xsend), and keepalive/lag bookkeeping.
package netconn

import (
	"fmt"
	"net"
	"time"

	"github.com/aethercore/tickengine/internal/ringbuf"
	"github.com/aethercore/tickengine/internal/wire"
)

// State is one of the connection lifecycle states (§3).
type State int

const (
	StateConnect State = iota
	StateNewLogin
	StateLogin
	StateChallenge
	StateNormal
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "Connect"
	case StateNewLogin:
		return "NewLogin"
	case StateLogin:
		return "Login"
	case StateChallenge:
		return "Challenge"
	case StateNormal:
		return "Normal"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// DisconnectReason records why a connection was marked Disconnecting (§7).
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonClientTooSlow
	ReasonTickBufferOverflow
	ReasonProtocolError
	ReasonAuthFailed
	ReasonIdle
	ReasonSocketError
	ReasonShutdownRequested
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientTooSlow:
		return "ClientTooSlow"
	case ReasonTickBufferOverflow:
		return "TickBufferOverflow"
	case ReasonProtocolError:
		return "ProtocolError"
	case ReasonAuthFailed:
		return "AuthFailed"
	case ReasonIdle:
		return "Idle"
	case ReasonSocketError:
		return "SocketError"
	case ReasonShutdownRequested:
		return "ShutdownRequested"
	default:
		return "unknown"
	}
}

// maxInBufGrowth bounds how far in_buf may grow while waiting on a
// command's trailing bytes, guarding against a client that declares (or
// the core infers) an unreasonable command length. Exceeding it is a
// ProtocolError, not a silent truncation.
const maxInBufGrowth = 64 * 1024

// Command is one fully-received client→server command: the opcode byte
// plus its body (everything after the opcode, up to the command's total
// frame size — §6).
type Command struct {
	Opcode byte
	Body   []byte
}

// CommandSizer supplies the total frame size (header + any trailing
// variable payload) for opcodes the core does not itself recognize.
// Implemented by the external plr_cmd collaborator (§1); nil is
// equivalent to "no opcodes recognized beyond the fixed 16-byte header".
type CommandSizer interface {
	CommandSize(opcode byte) (total int, ok bool)
}

// Connection holds all per-client state (§3, §4.3). It is not safe for
// concurrent use; only the tick scheduler's single goroutine touches it.
type Connection struct {
	ID   int
	conn net.Conn

	state  State
	reason DisconnectReason

	inBuf []byte // raw bytes read from the socket, consumed as commands parse
	inPos int     // read cursor into inBuf

	outRing *ringbuf.Buffer // obuf: bounded FIFO pending write to the socket
	tickBuf []byte          // tbuf: append-only scratch, reset after each compress_ticks
	tbufCap int

	characterSlot *uint32
	rtick         uint32
	ltick         uint32
	lastHeardAt   time.Time
}

// New creates a Connection wrapping conn, with output ring capacity
// obufCap and tick-buffer capacity tbufCap (§3: OBUF_CAP, TBUF_CAP).
func New(id int, conn net.Conn, obufCap, tbufCap int) *Connection {
	return &Connection{
		ID:          id,
		conn:        conn,
		state:       StateConnect,
		outRing:     ringbuf.New(obufCap),
		tickBuf:     make([]byte, 0, tbufCap),
		tbufCap:     tbufCap,
		lastHeardAt: time.Now(),
	}
}

// Conn returns the underlying socket.
func (c *Connection) Conn() net.Conn { return c.conn }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// SetState transitions the connection to state. It is a no-op once the
// connection is Disconnecting — a terminal state accepts no further
// transitions.
func (c *Connection) SetState(state State) {
	if c.state == StateDisconnecting {
		return
	}
	c.state = state
}

// DisconnectReason returns why the connection was marked Disconnecting,
// or ReasonNone if it has not been.
func (c *Connection) DisconnectReason() DisconnectReason { return c.reason }

// MarkDisconnecting transitions the connection to Disconnecting with the
// given reason (§3, §7). Once Disconnecting, no further enqueues succeed
// and the reason is latched — calling this again is a no-op.
func (c *Connection) MarkDisconnecting(reason DisconnectReason) {
	if c.state == StateDisconnecting {
		return
	}
	c.state = StateDisconnecting
	c.reason = reason
}

// IsDisconnecting reports whether the connection is in its terminal state.
func (c *Connection) IsDisconnecting() bool { return c.state == StateDisconnecting }

// CharacterSlot returns the bound character slot id, or (0, false) if the
// connection has not yet been bound to a character.
func (c *Connection) CharacterSlot() (uint32, bool) {
	if c.characterSlot == nil {
		return 0, false
	}
	return *c.characterSlot, true
}

// BindCharacterSlot binds this connection to a character slot (§3, §4.7).
func (c *Connection) BindCharacterSlot(slot uint32) {
	c.characterSlot = &slot
}

// CSend appends bytes directly to the output ring for immediate delivery
// (§4.3 "control send"). It never partial-writes: on overflow, the whole
// call is rejected and the connection is marked ClientTooSlow.
func (c *Connection) CSend(p []byte) error {
	if c.IsDisconnecting() {
		return nil
	}
	if err := c.outRing.Write(p); err != nil {
		c.MarkDisconnecting(ReasonClientTooSlow)
		return fmt.Errorf("csend: connection %d: %w", c.ID, err)
	}
	return nil
}

// XSend appends bytes to the per-tick buffer (§4.3 "extended send"),
// drained once per tick by compress_ticks. On overflow the connection is
// marked TickBufferOverflow — an internal error, since a well-formed
// subsystem should never fill TBUF_CAP within a single tick.
func (c *Connection) XSend(p []byte) error {
	if c.IsDisconnecting() {
		return nil
	}
	if len(c.tickBuf)+len(p) > c.tbufCap {
		c.MarkDisconnecting(ReasonTickBufferOverflow)
		return fmt.Errorf("xsend: connection %d: tick buffer overflow (cap %d)", c.ID, c.tbufCap)
	}
	c.tickBuf = append(c.tickBuf, p...)
	return nil
}

// TickBuf returns the bytes queued via XSend since the last ResetTickBuf.
func (c *Connection) TickBuf() []byte { return c.tickBuf }

// ResetTickBuf empties the tick buffer. compress_ticks calls this after
// flushing (or discarding, for a Disconnecting connection) a connection's
// tick bytes — tick_buf is guaranteed empty immediately after (§3).
func (c *Connection) ResetTickBuf() {
	c.tickBuf = c.tickBuf[:0]
}

// OutRing returns the connection's output ring, for the network manager's
// I/O pass to drain to the socket.
func (c *Connection) OutRing() *ringbuf.Buffer { return c.outRing }

// Feed appends freshly-read socket bytes to the input buffer for parsing.
// data must not exceed the configured RECV_BURST; Feed itself does not
// enforce that bound, since the caller already capped the read.
func (c *Connection) Feed(data []byte) {
	c.inBuf = append(c.inBuf, data...)
}

// ParseCommands extracts every fully-buffered client command from the
// input (§4.3). Recognized opcodes (CL_API_LOGIN, CL_CHALLENGE,
// CL_CMD_CTICK) use the core's own frozen size table; any other opcode is
// sized via sizer (the plr_cmd collaborator), falling back to the bare
// 16-byte header when sizer is nil or does not recognize it. If the
// buffered bytes grow past maxInBufGrowth while still waiting on a
// command's tail, parsing stops and reports a protocol error.
func (c *Connection) ParseCommands(sizer CommandSizer) ([]Command, error) {
	var cmds []Command

	for {
		avail := len(c.inBuf) - c.inPos
		if avail < wire.ClientHeaderSize {
			break
		}

		opcode := c.inBuf[c.inPos]
		size := wire.ClientHeaderSize
		if fixed, ok := wire.ClientCommandSize(opcode); ok {
			size = fixed
		} else if sizer != nil {
			if s, ok := sizer.CommandSize(opcode); ok {
				size = s
			}
		}

		if avail < size {
			if avail > maxInBufGrowth {
				return cmds, fmt.Errorf("parse commands: connection %d: command %#x exceeds max buffered size", c.ID, opcode)
			}
			break
		}

		// Body must be copied out, not sliced in place: compact() below
		// shifts any trailing partial command over the front of in_buf,
		// which would otherwise overwrite a body already handed out to
		// the caller from earlier in this same pass.
		body := append([]byte(nil), c.inBuf[c.inPos+1:c.inPos+size]...)
		cmds = append(cmds, Command{Opcode: opcode, Body: body})
		c.inPos += size
	}

	c.compact()
	return cmds, nil
}

// compact discards consumed bytes from the front of in_buf so it does not
// grow without bound across many parse passes.
func (c *Connection) compact() {
	if c.inPos == 0 {
		return
	}
	remaining := len(c.inBuf) - c.inPos
	copy(c.inBuf, c.inBuf[c.inPos:])
	c.inBuf = c.inBuf[:remaining]
	c.inPos = 0
}

// RTick returns the last tick counter reported by the client.
func (c *Connection) RTick() uint32 { return c.rtick }

// SetRTick stores the client-reported tick counter (from CL_CMD_CTICK)
// and refreshes the idle-timeout clock (§4.3 keepalive).
func (c *Connection) SetRTick(rtick uint32) {
	c.rtick = rtick
	c.lastHeardAt = time.Now()
}

// LTick returns the server-incremented tick counter.
func (c *Connection) LTick() uint32 { return c.ltick }

// AdvanceLTick increments ltick by one (mod 2^32 via unsigned wraparound),
// called once per tick while the connection is Normal (§4.3).
func (c *Connection) AdvanceLTick() { c.ltick++ }

// LagTicks returns (ltick - rtick) mod 2^32, the lag metric compared
// against LAG_STONE_THRESHOLD (§4.3).
func (c *Connection) LagTicks() uint32 { return c.ltick - c.rtick }

// LastHeardAt returns the monotonic timestamp of the last recv.
func (c *Connection) LastHeardAt() time.Time { return c.lastHeardAt }

// Touch refreshes the idle-timeout clock without changing rtick — used on
// any recv activity, not just CL_CMD_CTICK.
func (c *Connection) Touch() { c.lastHeardAt = time.Now() }

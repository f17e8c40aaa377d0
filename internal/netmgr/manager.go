// Package netmgr implements the Network Manager (§4.4): the listener, the
// fixed-capacity connection table, the non-blocking accept/read/write
// pass, and the per-tick compression flush.
package netmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aethercore/tickengine/internal/netconn"
	"github.com/aethercore/tickengine/internal/wire"
)

// maxAcceptsPerPass bounds how many pending connections acceptPass accepts
// in a single I/O pass (§4.4 step 1: "up to K pending connections").
const maxAcceptsPerPass = 16

// shutdownCloseDeadline bounds how long a connection in Disconnecting may
// linger waiting for its output ring to drain before the socket is
// force-closed (§4.4 step 4: "grace").
const shutdownCloseDeadline = 2 * time.Second

// Handler processes one parsed client command for conn. It is the
// core's hook into the login state machine and (opaquely) the plr_cmd
// gameplay collaborator (§1, §4.7).
type Handler interface {
	HandleCommand(conn *netconn.Connection, cmd netconn.Command) error
}

// Forgetter is an optional Handler extension for collaborators that keep
// per-connection handshake state (§4.7): the write pass calls Forget right
// before a closed connection's slot is freed, so an abandoned handshake
// doesn't leak entries forever.
type Forgetter interface {
	Forget(connID int)
}

// Starter is an optional Handler extension for collaborators that must
// push something the moment a connection is accepted, before any client
// command has arrived. acceptPass calls Begin right after a slot is
// allocated.
type Starter interface {
	Begin(conn *netconn.Connection) error
}

// Config bundles the fixed-capacity and timing knobs a Manager needs
// (§3, §4.3, §4.4). Zero-value HandshakeIdleTimeout/NormalIdleTimeout
// disable idle-timeout enforcement for that phase.
type Config struct {
	MaxClients        int
	OutRingCapacity   int
	TickBufCapacity   int
	RecvBurstBytes    int
	CompressThreshold int

	HandshakeIdleTimeout time.Duration
	NormalIdleTimeout    time.Duration
}

// Manager owns the listener, the connection table, and the reusable zlib
// compressor used by compress_ticks (§4.4).
type Manager struct {
	listener net.Listener
	table    *Table
	compress *wire.Compressor

	obufCap           int
	tbufCap           int
	recvBurst         int
	compressThreshold int

	handshakeIdle time.Duration
	normalIdle    time.Duration

	sizer   netconn.CommandSizer
	handler Handler

	disconnectGrace map[int]time.Time
}

// New creates a Manager with the given fixed connection-table capacity
// and per-connection buffer sizes (§3).
func New(cfg Config, sizer netconn.CommandSizer, handler Handler) *Manager {
	return &Manager{
		table:             NewTable(cfg.MaxClients),
		compress:          wire.NewCompressor(),
		obufCap:           cfg.OutRingCapacity,
		tbufCap:           cfg.TickBufCapacity,
		recvBurst:         cfg.RecvBurstBytes,
		compressThreshold: cfg.CompressThreshold,
		handshakeIdle:     cfg.HandshakeIdleTimeout,
		normalIdle:        cfg.NormalIdleTimeout,
		sizer:             sizer,
		handler:           handler,
		disconnectGrace:   make(map[int]time.Time),
	}
}

// Listen binds the listener. TCP_NODELAY is implicit for *net.TCPListener
// connections accepted from it (net enables it by default on Linux/BSD
// listeners via net.TCPConn.SetNoDelay — explicitly reasserted in Accept).
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netmgr: listening on %s: %w", addr, err)
	}
	m.listener = ln
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Table returns the connection table (for the world orchestrator to walk
// Normal connections).
func (m *Manager) Table() *Table { return m.table }

// Close closes the listener.
func (m *Manager) Close() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

// HandleIO runs one non-blocking accept/read/write pass (§4.4
// handle_network_io). It never blocks: accept, recv, and send all use a
// zero wall-clock deadline so a socket with nothing ready yields
// immediately rather than suspending the single scheduler goroutine.
func (m *Manager) HandleIO() {
	m.acceptPass()
	m.readPass()
	m.checkIdle()
	m.writePass()
}

// checkIdle marks a connection Disconnecting(Idle) once it has gone
// longer than its phase's idle timeout without a single byte received
// (§4.3 keepalive, §7 edge case 6): a stricter HandshakeIdleTimeout
// applies before login completes, a looser NormalIdleTimeout after.
func (m *Manager) checkIdle() {
	now := time.Now()
	m.table.ForEach(func(c *netconn.Connection) bool {
		if c.IsDisconnecting() {
			return true
		}
		timeout := m.handshakeIdle
		if c.State() == netconn.StateNormal {
			timeout = m.normalIdle
		}
		if timeout > 0 && now.Sub(c.LastHeardAt()) > timeout {
			c.MarkDisconnecting(netconn.ReasonIdle)
		}
		return true
	})
}

func (m *Manager) acceptPass() {
	if m.listener == nil {
		return
	}
	tcpLn, ok := m.listener.(*net.TCPListener)

	for i := 0; i < maxAcceptsPerPass; i++ {
		if ok {
			if err := tcpLn.SetDeadline(time.Now()); err != nil {
				slog.Error("setting accept deadline", "error", err)
				return
			}
		}

		conn, err := m.listener.Accept()
		if err != nil {
			if isTimeout(err) {
				return // WouldBlock: no pending connection
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept failed", "error", err)
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				slog.Warn("set TCP_NODELAY failed", "error", err)
			}
		}

		c, err := m.table.Alloc(conn, m.obufCap, m.tbufCap)
		if err != nil {
			slog.Warn("connection table full, rejecting client", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		slog.Info("accepted connection", "id", c.ID, "remote", conn.RemoteAddr())

		if s, ok := m.handler.(Starter); ok {
			if err := s.Begin(c); err != nil {
				slog.Warn("handshake begin failed", "id", c.ID, "error", err)
				c.MarkDisconnecting(netconn.ReasonProtocolError)
			}
		}
	}
}

func (m *Manager) readPass() {
	buf := make([]byte, m.recvBurst)

	m.table.ForEach(func(c *netconn.Connection) bool {
		if c.IsDisconnecting() {
			return true
		}

		if err := c.Conn().SetReadDeadline(time.Now()); err != nil {
			c.MarkDisconnecting(netconn.ReasonSocketError)
			return true
		}

		n, err := c.Conn().Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
			c.Touch()
		}
		if err != nil {
			if !isTimeout(err) {
				// EOF or hard socket error: client is gone.
				c.MarkDisconnecting(netconn.ReasonSocketError)
				return true
			}
			// WouldBlock: nothing more to read this pass, but we may
			// still have buffered commands from a prior pass to parse.
		}

		m.parseAndDispatch(c)
		return true
	})
}

func (m *Manager) parseAndDispatch(c *netconn.Connection) {
	cmds, err := c.ParseCommands(m.sizer)
	if err != nil {
		slog.Warn("malformed client command", "id", c.ID, "error", err)
		c.MarkDisconnecting(netconn.ReasonProtocolError)
		return
	}

	for _, cmd := range cmds {
		if cmd.Opcode == wire.CLCmdCTick && len(cmd.Body) >= 4 {
			rtick := uint32(cmd.Body[0]) | uint32(cmd.Body[1])<<8 | uint32(cmd.Body[2])<<16 | uint32(cmd.Body[3])<<24
			c.SetRTick(rtick)
			continue
		}
		if m.handler == nil {
			continue
		}
		if err := m.handler.HandleCommand(c, cmd); err != nil {
			slog.Warn("command handling failed", "id", c.ID, "opcode", cmd.Opcode, "error", err)
			c.MarkDisconnecting(netconn.ReasonProtocolError)
			return
		}
		if c.IsDisconnecting() {
			return
		}
	}
}

func (m *Manager) writePass() {
	m.table.ForEach(func(c *netconn.Connection) bool {
		m.drain(c)

		if c.IsDisconnecting() {
			m.maybeClose(c)
		}
		return true
	})
}

// drain writes as much of c's output ring to the socket as it can accept
// without blocking (§4.1: write must handle both Peek segments in order).
func (m *Manager) drain(c *netconn.Connection) {
	for {
		first, second := c.OutRing().Peek()
		if len(first) == 0 {
			return
		}

		if err := c.Conn().SetWriteDeadline(time.Now()); err != nil {
			c.MarkDisconnecting(netconn.ReasonSocketError)
			return
		}

		n, err := c.Conn().Write(first)
		c.OutRing().Discard(n)
		if err != nil {
			if isTimeout(err) {
				return // WouldBlock: socket buffer full, try next pass
			}
			c.MarkDisconnecting(netconn.ReasonSocketError)
			return
		}
		if n < len(first) {
			return // partial write; remaining bytes drain next pass
		}

		if len(second) > 0 {
			if err := c.Conn().SetWriteDeadline(time.Now()); err != nil {
				c.MarkDisconnecting(netconn.ReasonSocketError)
				return
			}
			n2, err := c.Conn().Write(second)
			c.OutRing().Discard(n2)
			if err != nil {
				if !isTimeout(err) {
					c.MarkDisconnecting(netconn.ReasonSocketError)
				}
				return
			}
			if n2 < len(second) {
				return
			}
		}
	}
}

func (m *Manager) maybeClose(c *netconn.Connection) {
	if c.OutRing().ReadableLen() > 0 {
		if _, seen := m.disconnectGrace[c.ID]; !seen {
			m.disconnectGrace[c.ID] = time.Now()
		}
		if time.Since(m.disconnectGrace[c.ID]) < shutdownCloseDeadline {
			return
		}
		// grace deadline passed: force-close even with bytes pending
	}

	delete(m.disconnectGrace, c.ID)
	reason := c.DisconnectReason()
	if err := c.Conn().Close(); err != nil {
		slog.Debug("closing connection", "id", c.ID, "error", err)
	}
	if f, ok := m.handler.(Forgetter); ok {
		f.Forget(c.ID)
	}
	m.table.Free(c.ID)
	slog.Info("connection closed", "id", c.ID, "reason", reason)
}

// CompressTicks drains every connection's non-empty tick buffer into a
// single framed (and optionally compressed) write to its output ring
// (§4.2, §4.4 compress_ticks). tick_buf is always empty once this
// returns for a given connection (§3 invariant), whether a frame was
// produced, discarded for overflow, or discarded because the connection
// is already Disconnecting.
func (m *Manager) CompressTicks() {
	m.table.ForEach(func(c *netconn.Connection) bool {
		defer c.ResetTickBuf()

		if c.IsDisconnecting() {
			return true // discard: tick_buf short-circuits on Disconnecting (§5)
		}
		if len(c.TickBuf()) == 0 {
			return true
		}

		frame, err := m.compress.Encode(c.TickBuf(), m.compressThreshold)
		if err != nil {
			slog.Error("encoding tick frame", "id", c.ID, "error", err)
			c.MarkDisconnecting(netconn.ReasonTickBufferOverflow)
			return true
		}

		if err := c.CSend(frame); err != nil {
			slog.Warn("tick frame dropped, client too slow", "id", c.ID, "error", err)
		}
		return true
	})
}

// Drain implements supervisor.Drainer: it keeps running write passes
// until every connection's output ring has emptied or ctx expires,
// whichever comes first (§4.4 step 4, §7 ShutdownRequested grace).
func (m *Manager) Drain(ctx context.Context) error {
	for {
		pending := false
		m.table.ForEach(func(c *netconn.Connection) bool {
			m.drain(c)
			if c.OutRing().ReadableLen() > 0 {
				pending = true
			}
			return true
		})
		if !pending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

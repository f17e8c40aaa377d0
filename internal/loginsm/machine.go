// Package loginsm implements the login state machine (§4.7): the
// Connect → Challenge → NewLogin/Login → Normal handshake every
// connection must complete before the world tick orchestrator will run
// plr_tick against it.
package loginsm

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blowfish"

	"github.com/aethercore/tickengine/internal/authstore"
	"github.com/aethercore/tickengine/internal/netconn"
	"github.com/aethercore/tickengine/internal/wire"
)

// challengeSize is the length, in bytes, of the random nonce the core
// sends in SV_CHALLENGE and expects back blowfish-encrypted in
// CL_CHALLENGE. Must be a multiple of blowfish's 8-byte block size.
const challengeSize = 8

// handshakeKey is the static Blowfish key used for the Challenge
// handshake before any per-account key exchange, mirroring the teacher's
// DefaultGSBlowfishKey convention for a fixed pre-session key.
var handshakeKey = []byte{
	0x5F, 0x3B, 0x76, 0x2E, 0x5D, 0x30, 0x35, 0x2D,
	0x33, 0x31, 0x21, 0x7C, 0x2B, 0x2D, 0x25, 0x78,
	0x54, 0x21, 0x5E, 0x5B, 0x24, 0x00,
}

// CharacterResolver binds an authenticated account to a character slot,
// reporting whether the slot is newly created this login (§4.7). It is
// the state machine's hook into the persistent storage collaborator.
type CharacterResolver interface {
	ResolveCharacter(accountID, characterID uint32) (slot uint32, isNew bool, err error)
}

// defaultTicksPerSecond is TICKS (§3) used to fold globals.ticker into the
// 0..TICKS-1 SV_TICK phase byte when SetTicksPerSecond is never called.
const defaultTicksPerSecond = 20

// Machine drives every connection's handshake. It is not safe for
// concurrent use — only the network manager's single read pass calls
// HandleCommand.
type Machine struct {
	tickets  authstore.Store
	resolver CharacterResolver
	cipher   *blowfish.Cipher

	nonces  map[int][challengeSize]byte
	pending map[int]authstore.Ticket // ticket consumed in Connect, awaiting CL_CHALLENGE before its character is resolved

	ticksPerSecond uint32
}

// New creates a Machine consuming login tickets from tickets and
// resolving characters through resolver.
func New(tickets authstore.Store, resolver CharacterResolver) (*Machine, error) {
	c, err := blowfish.NewCipher(handshakeKey)
	if err != nil {
		return nil, fmt.Errorf("loginsm: building handshake cipher: %w", err)
	}
	return &Machine{
		tickets:        tickets,
		resolver:       resolver,
		cipher:         c,
		nonces:         make(map[int][challengeSize]byte),
		pending:        make(map[int]authstore.Ticket),
		ticksPerSecond: defaultTicksPerSecond,
	}, nil
}

// SetTicksPerSecond installs TICKS (§3) so TickEmitter folds
// globals.ticker into the correct 0..TICKS-1 range. Called once at
// startup with the configured tick rate; a non-positive value is ignored.
func (m *Machine) SetTicksPerSecond(n int) {
	if n > 0 {
		m.ticksPerSecond = uint32(n)
	}
}

// HandleCommand dispatches one parsed client command through the
// handshake (§4.7). Implements netmgr.Handler so the network manager can
// wire it directly as the dispatch target for unrecognized opcodes.
func (m *Machine) HandleCommand(conn *netconn.Connection, cmd netconn.Command) error {
	switch cmd.Opcode {
	case wire.CLAPILogin:
		return m.handleAPILogin(conn, cmd)
	case wire.CLChallenge:
		return m.handleChallengeResponse(conn, cmd)
	default:
		if conn.State() != netconn.StateNormal {
			return fmt.Errorf("loginsm: connection %d: opcode %#x before handshake complete", conn.ID, cmd.Opcode)
		}
		return nil // gameplay opcode: plr_cmd collaborator's concern, not ours
	}
}

// handleAPILogin consumes the login ticket the client presents and, once
// valid, issues the challenge nonce (§4.7 step 1: Connect → Challenge). The
// ticket is a single-use GET+DEL lookup: replaying the same body a second
// time always fails, even for the same connection. Character resolution is
// deferred to handleChallengeResponse — the ticket is only provisionally
// accepted here, pending proof the client holds the matching session key.
func (m *Machine) handleAPILogin(conn *netconn.Connection, cmd netconn.Command) error {
	if conn.State() != netconn.StateConnect {
		return errors.New("loginsm: CL_API_LOGIN outside Connect")
	}
	if len(cmd.Body) < 1 {
		return errors.New("loginsm: CL_API_LOGIN body too short for a ticket key")
	}

	key := string(cmd.Body)
	ticket, ok := m.tickets.Consume(key)
	if !ok {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return nil
	}

	var nonce [challengeSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("loginsm: generating challenge nonce for connection %d: %w", conn.ID, err)
	}
	m.nonces[conn.ID] = nonce
	m.pending[conn.ID] = ticket
	conn.SetState(netconn.StateChallenge)

	body := make([]byte, 1+challengeSize)
	body[0] = wire.SVChallenge
	copy(body[1:], nonce[:])
	return conn.CSend(body)
}

func (m *Machine) resolveCharacter(t authstore.Ticket) (slot uint32, isNew bool, err error) {
	if m.resolver == nil {
		return t.CharacterID, false, nil
	}
	return m.resolver.ResolveCharacter(t.AccountID, t.CharacterID)
}

// sendNewPlayer emits SV_NEW_PLAYER's fixed 15-byte body via csend
// (§4.7, §6) once a first-time character slot has been assigned.
func (m *Machine) sendNewPlayer(conn *netconn.Connection, slot uint32) error {
	body := make([]byte, 1+15)
	body[0] = wire.SVNewPlayer
	body[1], body[2], body[3], body[4] = byte(slot), byte(slot>>8), byte(slot>>16), byte(slot>>24)
	return conn.CSend(body)
}

// handleChallengeResponse verifies the client encrypted the nonce this
// connection was issued in handleAPILogin, using the shared handshake key
// (§4.7 step 2). A mismatch or decrypt failure is AuthFailed, not a
// protocol error — a client is expected to occasionally fail a challenge
// (stale key, corrupted stream) without that being a parser bug. On
// success the pending ticket is resolved to a character slot and the
// connection moves to NewLogin/Login; promotion to Normal itself happens
// on the next world tick (worldtick.Orchestrator), not here, so the
// handshake-window SV_TICK heartbeat still covers at least one tick.
func (m *Machine) handleChallengeResponse(conn *netconn.Connection, cmd netconn.Command) error {
	if conn.State() != netconn.StateChallenge {
		return errors.New("loginsm: CL_CHALLENGE outside Challenge state")
	}
	nonce, ok := m.nonces[conn.ID]
	if !ok {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return nil
	}
	delete(m.nonces, conn.ID)

	ticket, ok := m.pending[conn.ID]
	if !ok {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return nil
	}
	delete(m.pending, conn.ID)

	if len(cmd.Body) < challengeSize {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return nil
	}

	decrypted := make([]byte, challengeSize)
	m.cipher.Decrypt(decrypted, cmd.Body[:challengeSize])

	if string(decrypted) != string(nonce[:]) {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return nil
	}

	return m.completeLogin(conn, ticket)
}

// completeLogin resolves the pending ticket's character slot, binds it to
// the connection, and sends SV_NEW_PLAYER or SV_LOGIN_OK (§4.7 step 3).
// It leaves the connection in NewLogin/Login, not Normal — the
// orchestrator promotes it to Normal on the next tick once this
// handshake-completing tick's SV_TICK has gone out.
func (m *Machine) completeLogin(conn *netconn.Connection, ticket authstore.Ticket) error {
	slot, isNew, err := m.resolveCharacter(ticket)
	if err != nil {
		conn.MarkDisconnecting(netconn.ReasonAuthFailed)
		return fmt.Errorf("loginsm: resolving character for connection %d: %w", conn.ID, err)
	}
	conn.BindCharacterSlot(slot)

	if isNew {
		conn.SetState(netconn.StateNewLogin)
		return m.sendNewPlayer(conn, slot)
	}
	conn.SetState(netconn.StateLogin)
	return conn.CSend([]byte{wire.SVLoginOK})
}

// TickEmitter returns the predicate Orchestrator.SetTickEmitter expects:
// SV_TICK{phase = globals.ticker mod TICKS} is sent via xsend only while a
// connection is still mid-handshake (Connect/Challenge/NewLogin/Login),
// never once Normal (§4.6 step 6, §5 resolution of the SV_TICK cadence
// question).
func (m *Machine) TickEmitter() func(conn *netconn.Connection, ticker uint32) (byte, bool) {
	return func(conn *netconn.Connection, ticker uint32) (byte, bool) {
		if conn.State() == netconn.StateNormal || conn.State() == netconn.StateDisconnecting {
			return 0, false
		}
		return byte(ticker % m.ticksPerSecond), true
	}
}

// Forget releases any handshake-scoped state held for a connection that
// disconnected before completing login, so abandoned handshakes don't
// leak entries into these maps forever.
func (m *Machine) Forget(connID int) {
	delete(m.nonces, connID)
	delete(m.pending, connID)
}

package netmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aethercore/tickengine/internal/netconn"
	"github.com/aethercore/tickengine/internal/wire"
)

type recordingHandler struct {
	cmds []netconn.Command
}

func (h *recordingHandler) HandleCommand(conn *netconn.Connection, cmd netconn.Command) error {
	h.cmds = append(h.cmds, cmd)
	return nil
}

type startingHandler struct {
	recordingHandler
	begun []int
}

func (h *startingHandler) Begin(conn *netconn.Connection) error {
	h.begun = append(h.begun, conn.ID)
	return conn.CSend([]byte{wire.SVChallenge})
}

func mustManager(t *testing.T, maxClients int, handler Handler) *Manager {
	t.Helper()
	m := New(Config{
		MaxClients:        maxClients,
		OutRingCapacity:   4096,
		TickBufCapacity:   4096,
		RecvBurstBytes:    4096,
		CompressThreshold: 64,
	}, nil, handler)
	if err := m.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAcceptPassRegistersConnection(t *testing.T) {
	m := mustManager(t, 4, nil)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.Table().Len() == 0 && time.Now().Before(deadline) {
		m.HandleIO()
		time.Sleep(time.Millisecond)
	}

	if m.Table().Len() != 1 {
		t.Fatalf("Table().Len() = %d, want 1", m.Table().Len())
	}
}

func TestAcceptPassRejectsBeyondCapacity(t *testing.T) {
	m := mustManager(t, 1, nil)

	a, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	defer a.Close()
	b, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for i := 0; i < 50 && time.Now().Before(deadline); i++ {
		m.HandleIO()
		time.Sleep(10 * time.Millisecond)
	}

	if m.Table().Len() != 1 {
		t.Fatalf("Table().Len() = %d, want 1 (capacity enforced)", m.Table().Len())
	}
}

func TestReadPassDispatchesCTickWithoutHandler(t *testing.T) {
	m := mustManager(t, 4, nil)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)

	frame := make([]byte, wire.ClientHeaderSize)
	frame[0] = wire.CLCmdCTick
	frame[1], frame[2], frame[3], frame[4] = 7, 0, 0, 0
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var conn *netconn.Connection
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.HandleIO()
		conn = m.Table().Get(0)
		if conn != nil && conn.RTick() == 7 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if conn == nil || conn.RTick() != 7 {
		t.Fatalf("rtick not observed, conn=%+v", conn)
	}
}

func TestReadPassDispatchesUnknownOpcodeToHandler(t *testing.T) {
	h := &recordingHandler{}
	m := mustManager(t, 4, h)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)

	frame := make([]byte, wire.ClientHeaderSize)
	frame[0] = 0x99 // unrecognized opcode, falls back to bare header size
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.cmds) == 0 && time.Now().Before(deadline) {
		m.HandleIO()
		time.Sleep(time.Millisecond)
	}

	if len(h.cmds) != 1 || h.cmds[0].Opcode != 0x99 {
		t.Fatalf("handler.cmds = %+v, want one opcode 0x99", h.cmds)
	}
}

func TestWritePassDrainsCSendToSocket(t *testing.T) {
	m := mustManager(t, 4, nil)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)
	conn := m.Table().Get(0)
	if conn == nil {
		t.Fatal("connection not registered")
	}
	payload := []byte{wire.SVLoginOK, 1, 2, 3}
	if err := conn.CSend(payload); err != nil {
		t.Fatalf("CSend: %v", err)
	}

	m.HandleIO()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := readFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("got %v, want %v", got, payload)
		}
	}
}

func TestCompressTicksResetsTickBuf(t *testing.T) {
	m := mustManager(t, 4, nil)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)
	conn := m.Table().Get(0)
	if conn == nil {
		t.Fatal("connection not registered")
	}
	if err := conn.XSend([]byte{wire.SVTick, 1}); err != nil {
		t.Fatalf("XSend: %v", err)
	}

	m.CompressTicks()

	if len(conn.TickBuf()) != 0 {
		t.Errorf("tick buf not reset after CompressTicks")
	}
	if conn.OutRing().ReadableLen() == 0 {
		t.Error("expected a framed tick write queued to out_ring")
	}
}

func TestAcceptPassCallsStarterBegin(t *testing.T) {
	h := &startingHandler{}
	m := mustManager(t, 4, h)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)

	if len(h.begun) != 1 || h.begun[0] != 0 {
		t.Fatalf("begun = %v, want [0]", h.begun)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 1)
	if _, err := readFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got[0] != wire.SVChallenge {
		t.Fatalf("got opcode %#x, want SV_CHALLENGE", got[0])
	}
}

func TestCheckIdleDisconnectsAfterHandshakeTimeout(t *testing.T) {
	m := New(Config{
		MaxClients:           4,
		OutRingCapacity:      4096,
		TickBufCapacity:      4096,
		RecvBurstBytes:       4096,
		CompressThreshold:    64,
		HandshakeIdleTimeout: 10 * time.Millisecond,
	}, nil, nil)
	if err := m.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)
	conn := m.Table().Get(0)
	if conn == nil {
		t.Fatal("connection not registered")
	}

	time.Sleep(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !conn.IsDisconnecting() && time.Now().Before(deadline) {
		m.HandleIO()
		time.Sleep(time.Millisecond)
	}

	if !conn.IsDisconnecting() || conn.DisconnectReason() != netconn.ReasonIdle {
		t.Fatalf("state = %v, reason = %v, want Disconnecting(Idle)", conn.State(), conn.DisconnectReason())
	}
}

func TestDrainFlushesOutRingThenReturns(t *testing.T) {
	m := mustManager(t, 4, nil)

	client, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	waitForAccept(t, m)
	conn := m.Table().Get(0)
	payload := []byte{wire.SVLoginOK, 9}
	if err := conn.CSend(payload); err != nil {
		t.Fatalf("CSend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if conn.OutRing().ReadableLen() != 0 {
		t.Error("Drain returned with bytes still pending")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	m := mustManager(t, 4, nil)

	// net.Pipe is synchronous: nobody ever reads the client side, so every
	// write attempt blocks (reported as a deadline timeout) and the ring
	// never empties — Drain must give up once ctx expires rather than
	// loop forever.
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn, err := m.Table().Alloc(server, 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := conn.CSend([]byte{wire.SVLoginOK}); err != nil {
		t.Fatalf("CSend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Drain(ctx); err == nil {
		t.Error("Drain should report the context deadline, not silently give up forever")
	}
}

func waitForAccept(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Table().Len() == 0 && time.Now().Before(deadline) {
		m.HandleIO()
		time.Sleep(time.Millisecond)
	}
	if m.Table().Len() == 0 {
		t.Fatal("connection never accepted")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

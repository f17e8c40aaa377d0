package wire

// SendPath records which of the two per-connection enqueue paths (§4.3) an
// opcode travels over. It documents intent; nothing in this package enforces
// it — the connection layer picks the path when it calls csend or xsend.
type SendPath int

const (
	// PathCSend marks an opcode as control-plane: immediate delivery,
	// queued directly into the output ring.
	PathCSend SendPath = iota
	// PathXSend marks an opcode as batched: queued into the per-tick
	// buffer and delivered framed (and optionally compressed) once per
	// tick by compress_ticks.
	PathXSend
)

// VariableSize marks an opcode whose body length is not fixed; the caller
// supplies the exact bytes and the message is expected to be the last one
// in its payload, since message boundaries are inferred from opcode alone.
const VariableSize = -1

// Server-to-client opcodes (§6). Numeric values, body sizes, and the
// csend/xsend path assignment are the frozen wire contract — the client
// infers a message's body length purely from the opcode byte, so these
// numbers must never be renumbered or resized without a matching client.
const (
	SVEmpty      = 0  // SV_EMPTY: no-op placeholder
	SVChallenge  = 1  // SV_CHALLENGE: handshake challenge
	SVNewPlayer  = 2  // SV_NEWPLAYER: bind connection to new character slot
	SVSetChar7   = 7  // SV_SETCHAR_*: character attribute delta
	SVSetChar8   = 8
	SVSetChar12  = 12
	SVSetChar13  = 13
	SVSetChar14  = 14
	SVSetChar20  = 20
	SVSetChar21  = 21
	SVSetChar22  = 22
	SVSetChar23  = 23
	SVSetChar24  = 24
	SVSetChar25  = 25
	SVTick       = 27 // SV_TICK: tick phase byte 0..TICKS-1
	SVLoginOK    = 34 // SV_LOGIN_OK: successful rebind
	SVSetChar46  = 46
	SVSetMap43   = 43 // SV_SETMAPn: map/tile update variants
	SVSetOrigin  = 44 // SV_SETORIGIN: set relative-coord origin
	SVSetMap45   = 45
	SVPlaySound  = 47 // SV_PLAYSOUND: client-side SFX trigger
	SVExit       = 48 // SV_EXIT: forced client exit
	SVMsg        = 49 // SV_MSG: chat/system text
	SVLog52      = 52 // SV_LOGn: log channel text
	SVLog53      = 53
	SVLog54      = 54
	SVLog55      = 55
	SVSetMap66   = 66
	SVSetMap67   = 67
	SVSetMap68   = 68
)

// SVSetMapBulkBase is the start of the 128..=255 bulk short-form map-op
// range (§6). Every byte in [SVSetMapBulkBase, 255] is a valid bulk opcode.
const SVSetMapBulkBase = 128

// opcodeSpec describes one server→client opcode's frozen wire shape.
type opcodeSpec struct {
	name     string
	bodySize int // VariableSize for var-length bodies
	path     SendPath
}

// svTable is the complete, frozen opcode → (body size, path) dispatch
// table from §6. Entries in the 128..255 bulk range are handled separately
// by IsBulkSetMap since they share one shape across 128 opcode values.
var svTable = map[byte]opcodeSpec{
	SVEmpty:     {"SV_EMPTY", 0, PathCSend},
	SVChallenge: {"SV_CHALLENGE", VariableSize, PathCSend},
	SVNewPlayer: {"SV_NEWPLAYER", 15, PathCSend},
	SVSetChar7:  {"SV_SETCHAR_7", 4, PathXSend},
	SVSetChar8:  {"SV_SETCHAR_8", 4, PathXSend},
	SVSetChar12: {"SV_SETCHAR_12", 4, PathXSend},
	SVSetChar13: {"SV_SETCHAR_13", 4, PathXSend},
	SVSetChar14: {"SV_SETCHAR_14", 4, PathXSend},
	SVSetChar20: {"SV_SETCHAR_20", 4, PathXSend},
	SVSetChar21: {"SV_SETCHAR_21", 4, PathXSend},
	SVSetChar22: {"SV_SETCHAR_22", 4, PathXSend},
	SVSetChar23: {"SV_SETCHAR_23", 4, PathXSend},
	SVSetChar24: {"SV_SETCHAR_24", 4, PathXSend},
	SVSetChar25: {"SV_SETCHAR_25", 4, PathXSend},
	SVSetChar46: {"SV_SETCHAR_46", 4, PathXSend},
	SVTick:      {"SV_TICK", 1, PathXSend},
	SVLoginOK:   {"SV_LOGIN_OK", VariableSize, PathCSend},
	SVSetMap43:  {"SV_SETMAP_43", VariableSize, PathXSend},
	SVSetOrigin: {"SV_SETORIGIN", VariableSize, PathXSend},
	SVSetMap45:  {"SV_SETMAP_45", VariableSize, PathXSend},
	SVPlaySound: {"SV_PLAYSOUND", VariableSize, PathXSend},
	SVExit:      {"SV_EXIT", VariableSize, PathCSend},
	SVMsg:       {"SV_MSG", VariableSize, PathXSend},
	SVLog52:     {"SV_LOG_52", VariableSize, PathXSend},
	SVLog53:     {"SV_LOG_53", VariableSize, PathXSend},
	SVLog54:     {"SV_LOG_54", VariableSize, PathXSend},
	SVLog55:     {"SV_LOG_55", VariableSize, PathXSend},
	SVSetMap66:  {"SV_SETMAP_66", VariableSize, PathXSend},
	SVSetMap67:  {"SV_SETMAP_67", VariableSize, PathXSend},
	SVSetMap68:  {"SV_SETMAP_68", VariableSize, PathXSend},
}

// IsBulkSetMap reports whether opcode falls in the 128..=255 SV_SETMAP
// bulk range (§6), which always carries a variable xsend body.
func IsBulkSetMap(opcode byte) bool {
	return int(opcode) >= SVSetMapBulkBase
}

// BodySize returns the frozen body size for opcode (VariableSize if the
// opcode carries a variable-length body) and whether opcode is known.
func BodySize(opcode byte) (size int, ok bool) {
	if IsBulkSetMap(opcode) {
		return VariableSize, true
	}
	spec, ok := svTable[opcode]
	if !ok {
		return 0, false
	}
	return spec.bodySize, true
}

// Path returns the csend/xsend assignment for opcode.
func Path(opcode byte) (SendPath, bool) {
	if IsBulkSetMap(opcode) {
		return PathXSend, true
	}
	spec, ok := svTable[opcode]
	if !ok {
		return 0, false
	}
	return spec.path, true
}

// Client→server opcodes (§6). The core recognizes only the handshake and
// keepalive commands listed here; all other CL_* opcodes are forwarded
// opaquely to the plr_cmd collaborator (out of core scope per §1).
const (
	CLAPILogin  = 0x01 // CL_API_LOGIN{ticket}
	CLChallenge = 0x02 // CL_CHALLENGE{response}
	CLCmdCTick  = 0x03 // CL_CMD_CTICK(rtick: u32)
)

// ClientHeaderSize is the fixed client→server command header (§6): opcode
// byte plus 15 payload bytes, endian and field layout documented per
// opcode. Some opcodes carry additional variable payload beyond this; the
// core's own opcodes are sized by clCommandSize, all others by the plr_cmd
// collaborator's CommandSizer (netconn).
const ClientHeaderSize = 16

// clCommandSize gives the total command size (header + any trailing
// variable payload) for opcodes the core itself parses. Commands not
// listed here belong to the external plr_cmd collaborator and are sized
// by its own table (out of core scope); the core only recognizes the
// fixed 16-byte header for those and hands the opcode+body to the
// collaborator unparsed.
var clCommandSize = map[byte]int{
	CLAPILogin:  16, // header + inline ticket bytes [1:16)
	CLChallenge: 16, // header + inline challenge response bytes [1:16)
	CLCmdCTick:  16, // header; rtick occupies bytes [1:5)
}

// ClientCommandSize returns the total frame size for a recognized core
// opcode. ok is false for opcodes the core does not itself parse (they
// are still framed at ClientHeaderSize per §6, but their trailing
// variable payload is sized by the plr_cmd collaborator's own table).
func ClientCommandSize(opcode byte) (size int, ok bool) {
	size, ok = clCommandSize[opcode]
	return size, ok
}

// Package swopkt defines the packet model shared by the decoder, the
// hardware-packet refiner, and the public swo package. It exists
// separately from swo so that internal/swodecode and internal/dwt can
// depend on the packet model without importing the root package that in
// turn depends on them; swo re-exports everything here under its own
// names so callers never see this package directly.
package swopkt

// Type identifies the kind of a decoded packet. Values are stable across
// versions: they are part of the wire-adjacent API consumed by bindings in
// other languages, so existing values must never be renumbered.
type Type uint8

const (
	// Unknown represents data that could not be decoded as any other packet
	// type: a reserved header encoding, a short synchronization run, or a
	// residual span flushed at end of stream.
	Unknown Type = 0
	// Sync is a synchronization packet: at least 47 zero bits followed by a
	// single one bit, used by consumers to re-align to the byte stream.
	Sync Type = 1
	// Overflow indicates the trace source dropped data due to a full FIFO.
	Overflow Type = 2
	// LTS is a local timestamp packet.
	LTS Type = 3
	// GTS1 carries the low-order bits of a global timestamp.
	GTS1 Type = 4
	// GTS2 carries the high-order bits of a global timestamp.
	GTS2 Type = 5
	// Ext is an extension packet (ITM or hardware source).
	Ext Type = 6
	// Inst is a software instrumentation (ITM stimulus port) packet.
	Inst Type = 7
	// HW is a first-pass hardware (DWT) source packet, before refinement.
	HW Type = 8
	// DWTEvtCnt is a DWT event counter packet.
	DWTEvtCnt Type = 16
	// DWTExcTrace is a DWT exception trace packet.
	DWTExcTrace Type = 17
	// DWTPCSample is a DWT periodic program counter sample packet.
	DWTPCSample Type = 18
	// DWTPCValue is a DWT data-trace comparator PC value packet.
	DWTPCValue Type = 19
	// DWTAddrOffset is a DWT data-trace comparator address offset packet.
	DWTAddrOffset Type = 20
	// DWTDataValue is a DWT data-trace comparator data value packet.
	DWTDataValue Type = 21
)

// String returns the packet type's symbolic name, e.g. "DWT_EXCTRACE".
func (t Type) String() string {
	switch t {
	case Unknown:
		return "UNKNOWN"
	case Sync:
		return "SYNC"
	case Overflow:
		return "OVERFLOW"
	case LTS:
		return "LTS"
	case GTS1:
		return "GTS1"
	case GTS2:
		return "GTS2"
	case Ext:
		return "EXT"
	case Inst:
		return "INST"
	case HW:
		return "HW"
	case DWTEvtCnt:
		return "DWT_EVTCNT"
	case DWTExcTrace:
		return "DWT_EXCTRACE"
	case DWTPCSample:
		return "DWT_PC_SAMPLE"
	case DWTPCValue:
		return "DWT_PC_VALUE"
	case DWTAddrOffset:
		return "DWT_ADDR_OFFSET"
	case DWTDataValue:
		return "DWT_DATA_VALUE"
	default:
		return "UNKNOWN"
	}
}

// LTSRelation describes the timing relationship between a local timestamp
// packet and the source packet it annotates.
type LTSRelation uint8

const (
	// LTSSync indicates the source and timestamp packets are synchronous.
	LTSSync LTSRelation = 0
	// LTSTimestampDelayed indicates the timestamp packet is delayed
	// relative to the source packet.
	LTSTimestampDelayed LTSRelation = 1
	// LTSSourceDelayed indicates the source packet is delayed relative to
	// the local timestamp packet.
	LTSSourceDelayed LTSRelation = 2
	// LTSBothDelayed indicates both the source and timestamp packets are
	// delayed.
	LTSBothDelayed LTSRelation = 3
)

// ExtSource identifies the origin of an extension packet.
type ExtSource uint8

const (
	// ExtSourceITM marks an extension packet emitted by the Instrumentation
	// Trace Macrocell.
	ExtSourceITM ExtSource = 0
	// ExtSourceHW marks an extension packet emitted by a hardware source.
	ExtSourceHW ExtSource = 1
)

// ExcTraceFunction is the action a DWT exception trace packet reports.
type ExcTraceFunction uint8

const (
	ExcTraceReserved ExcTraceFunction = 0
	ExcTraceEnter    ExcTraceFunction = 1
	ExcTraceExit     ExcTraceFunction = 2
	ExcTraceReturn   ExcTraceFunction = 3
)

// MaxPayloadSize is the largest payload, in bytes, any single packet other
// than SYNC carries.
const MaxPayloadSize = 4

// MaxSourceAddress is the largest valid address field on an INST or HW
// packet (5 bits).
const MaxSourceAddress = 31

// Packet is the tagged-variant result of a single decode step. Every packet
// carries Type, Size, and Raw; the remaining fields are populated only for
// the tags that use them; for all other tags they are left at their zero
// value. This flat-struct layout (rather than per-tag Go types behind an
// interface) lets callers switch on Type without a type assertion.
//
// A Packet handed to a Callback is only valid for the duration of that
// call. The decoder gives each packet freshly allocated Raw and Payload
// slices; callers that need to retain a packet still copy it, including
// cloning Raw and Payload.
type Packet struct {
	// Type identifies which fields below are meaningful.
	Type Type
	// Size is the packet's length: bits for Sync, bytes for every other
	// tag (header plus any continuation or payload bytes).
	Size int
	// Raw holds the packet's on-wire bytes, in stream order. It is not
	// reused for Sync's scanned run: Sync's raw encoding carries no
	// information the spec asks callers to inspect, so Raw is left empty
	// and Size (in bits) is the only meaningful field.
	Raw []byte

	// LTS fields.
	Relation LTSRelation
	// Value is the decoded integer payload for LTS, GTS1, GTS2, EXT, INST,
	// and HW packets: the local/global timestamp value, the extension
	// value, or the little-endian integer of Payload.
	Value uint32

	// GTS1 fields.
	Clkch bool
	Wrap  bool

	// Ext fields.
	Source ExtSource

	// INST / HW / DWT-refined common fields.
	Address uint8
	Payload []byte

	// DWTEvtCnt fields.
	CPIWrap   bool
	ExcWrap   bool
	SleepWrap bool
	LSUWrap   bool
	FoldWrap  bool
	CycWrap   bool

	// DWTExcTrace fields.
	Exception uint16
	Function  ExcTraceFunction

	// DWTPCSample fields.
	SleepSample bool
	PC          uint32

	// DWTPCValue / DWTAddrOffset / DWTDataValue fields.
	Cmpn   uint8
	Offset uint16
	WNR    bool
	Data   uint32
}

// Package swo decodes the ARM CoreSight Serial Wire Output (SWO) trace
// stream into a typed sequence of packets.
//
// The wire format mixes bit-level framing (synchronization packets are not
// byte-aligned), continuation-encoded multi-byte fields, and a secondary
// re-interpretation pass for hardware (DWT) source packets. Context wraps
// that logic behind a small push/pull API: Feed appends bytes as they
// arrive from the probe, and Decode drains as many complete packets as the
// buffered bytes allow, handing each one to a caller-supplied callback.
//
// Context does not perform any I/O itself; the caller owns reading from the
// probe, JTAG adapter, or file and decides when to call Feed and Decode.
package swo

import "github.com/tripwire/swodecode/internal/swopkt"

// Packet, Type, and their companion enums are defined in internal/swopkt
// so that internal/swodecode and internal/dwt can share the packet model
// without importing this package. The aliases below are the public,
// stable names; internal/swopkt itself is never imported by callers.
type (
	Packet           = swopkt.Packet
	Type             = swopkt.Type
	LTSRelation      = swopkt.LTSRelation
	ExtSource        = swopkt.ExtSource
	ExcTraceFunction = swopkt.ExcTraceFunction
)

const (
	Unknown       = swopkt.Unknown
	Sync          = swopkt.Sync
	Overflow      = swopkt.Overflow
	LTS           = swopkt.LTS
	GTS1          = swopkt.GTS1
	GTS2          = swopkt.GTS2
	Ext           = swopkt.Ext
	Inst          = swopkt.Inst
	HW            = swopkt.HW
	DWTEvtCnt     = swopkt.DWTEvtCnt
	DWTExcTrace   = swopkt.DWTExcTrace
	DWTPCSample   = swopkt.DWTPCSample
	DWTPCValue    = swopkt.DWTPCValue
	DWTAddrOffset = swopkt.DWTAddrOffset
	DWTDataValue  = swopkt.DWTDataValue
)

const (
	LTSSync             = swopkt.LTSSync
	LTSTimestampDelayed = swopkt.LTSTimestampDelayed
	LTSSourceDelayed    = swopkt.LTSSourceDelayed
	LTSBothDelayed      = swopkt.LTSBothDelayed
)

const (
	ExtSourceITM = swopkt.ExtSourceITM
	ExtSourceHW  = swopkt.ExtSourceHW
)

const (
	ExcTraceReserved = swopkt.ExcTraceReserved
	ExcTraceEnter    = swopkt.ExcTraceEnter
	ExcTraceExit     = swopkt.ExcTraceExit
	ExcTraceReturn   = swopkt.ExcTraceReturn
)

// MaxPayloadSize is the largest payload, in bytes, any single packet other
// than SYNC carries.
const MaxPayloadSize = swopkt.MaxPayloadSize

// MaxSourceAddress is the largest valid address field on an INST or HW
// packet (5 bits).
const MaxSourceAddress = swopkt.MaxSourceAddress

// Package dwt re-classifies first-pass HW packets into the six DWT
// (Data Watchpoint and Trace) subtypes based on their address and payload
// length. It is a second, stateless pass over packets the low-level
// decoder has already fully captured: Refine never touches a Buffer, it
// only reinterprets bytes swodecode has already committed to a
// swo.Packet.
package dwt

import swo "github.com/tripwire/swodecode/internal/swopkt"

// Refine inspects p's Address and Payload length and returns a
// copy re-tagged with the DWT subtype's Type when one applies, leaving p's
// Address, Payload, Value, Size, and Raw fields untouched either way (property 5:
// refinement is additive, never destructive of the original HW view). If
// no refinement applies, Refine returns p unchanged with ok=false so the
// caller can deliver it as plain HW.
func Refine(p swo.Packet) (swo.Packet, bool) {
	if p.Type != swo.HW {
		return p, false
	}
	n := len(p.Payload)

	switch {
	case p.Address == 0 && n == 1:
		b := p.Payload[0]
		p.Type = swo.DWTEvtCnt
		p.CPIWrap = b&0x01 != 0
		p.ExcWrap = b&0x02 != 0
		p.SleepWrap = b&0x04 != 0
		p.LSUWrap = b&0x08 != 0
		p.FoldWrap = b&0x10 != 0
		p.CycWrap = b&0x20 != 0
		return p, true

	case p.Address == 1 && n == 2:
		p.Type = swo.DWTExcTrace
		p.Exception = uint16(p.Payload[0]) | (uint16(p.Payload[1]&0x01) << 8)
		p.Function = swo.ExcTraceFunction((p.Payload[1] >> 4) & 0x03)
		return p, true

	case p.Address == 2 && n == 4:
		p.Type = swo.DWTPCSample
		p.PC = leUint32(p.Payload)
		p.SleepSample = false
		return p, true

	case p.Address == 2 && n == 1:
		p.Type = swo.DWTPCSample
		p.PC = 0
		p.SleepSample = true
		return p, true

	case p.Address >= 8 && p.Address <= 11 && n == 4:
		p.Type = swo.DWTPCValue
		p.Cmpn = p.Address & 0x03
		p.PC = leUint32(p.Payload)
		return p, true

	case p.Address >= 8 && p.Address <= 11 && n == 2:
		p.Type = swo.DWTAddrOffset
		p.Cmpn = p.Address & 0x03
		p.Offset = uint16(leUint32(p.Payload))
		return p, true

	case p.Address >= 12 && p.Address <= 23 && (n == 1 || n == 2 || n == 4):
		p.Type = swo.DWTDataValue
		p.Cmpn = (p.Address >> 3) & 0x03
		p.WNR = p.Address&0x01 != 0
		p.Data = leUint32(p.Payload)
		return p, true

	default:
		return p, false
	}
}

func leUint32(p []byte) uint32 {
	var v uint32
	for i, b := range p {
		v |= uint32(b) << uint(8*i)
	}
	return v
}

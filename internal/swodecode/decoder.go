// Package swodecode implements the header-driven, resumable low-level SWO
// packet parser. It recognizes packet headers, accumulates continuation
// bytes, and emits first-pass packets: SYNC, OVERFLOW, LTS, GTS1, GTS2, EXT,
// INST, HW, and UNKNOWN. Hardware-source re-interpretation into DWT
// subtypes happens one layer up, in the dwt package.
//
// Decoder carries no state between Next calls beyond what is already
// sitting in the Buffer: whenever a header promises bytes that have not
// arrived yet, Next returns (zero, false, nil) without touching the cursor,
// so the caller can Feed more bytes and call Next again. This makes
// resumability a property of the buffer's cursor alone rather than of a
// parallel state field that could drift out of sync with it.
package swodecode

import (
	"github.com/tripwire/swodecode/internal/swobuf"
	swo "github.com/tripwire/swodecode/internal/swopkt"
)

// minSyncZeroBits is the minimum run of zero bits (not counting the
// terminating one bit) a synchronization packet must contain.
const minSyncZeroBits = 47

// maxContinuationBytes bounds every continuation-encoded field (LTS, GTS1,
// GTS2, EXT) at 4 bytes beyond the header, matching the 1-to-5-bytes-total
// invariant shared by all of them.
const maxContinuationBytes = 4

// Decoder turns buffered bytes into first-pass packets.
type Decoder struct{}

// New returns a ready-to-use Decoder. Decoder holds no buffer-specific
// state, so a single value can be reused across many Buffers if a caller
// ever wants to.
func New() *Decoder { return &Decoder{} }

// Next attempts to decode one packet from buf. It returns (packet, true,
// nil) when a complete packet was consumed, (zero, false, nil) when buf
// does not yet hold enough bytes and eos is false, and flushes any
// in-progress span as an UNKNOWN packet once eos is true. Next never
// returns a partial packet and never advances the cursor when it reports
// "need more data".
func (d *Decoder) Next(buf *swobuf.Buffer, eos bool) (swo.Packet, bool, error) {
	h, ok := buf.PeekByte()
	if !ok {
		return swo.Packet{}, false, nil
	}

	switch {
	case h == 0x00:
		return d.syncScan(buf, eos)
	case h == 0x70:
		buf.Advance(1)
		return swo.Packet{Type: swo.Overflow, Size: 1, Raw: []byte{h}}, true, nil
	case h&0x0F == 0x00:
		return d.decodeLTS(buf, h, eos)
	case h == 0x94 || h == 0xB4:
		return d.decodeGTS(buf, h, eos)
	case h&0x0B == 0x08:
		return d.decodeExt(buf, h, eos)
	case h&0x03 != 0:
		return d.decodeSource(buf, h, eos)
	default:
		buf.Advance(1)
		return swo.Packet{Type: swo.Unknown, Size: 1, Raw: []byte{h}}, true, nil
	}
}

// syncScan consumes zero bits (most-significant bit first within each
// byte) until a one bit terminates the run. Once the terminator is found,
// the whole byte it appears in is consumed — including any bits after it
// — so decoding always resumes on a byte boundary, matching the "bit
// offset returns to zero" realignment rule. A run of at least
// minSyncZeroBits zero bits yields a SYNC packet sized in bits (the zero
// run length, not counting the terminator); a shorter run is reported as
// UNKNOWN over the bytes the violation touched.
func (d *Decoder) syncScan(buf *swobuf.Buffer, eos bool) (swo.Packet, bool, error) {
	zeroBits := 0
	var raw []byte

	for i := 0; ; i++ {
		b, ok := buf.PeekAt(i)
		if !ok {
			if !eos {
				return swo.Packet{}, false, nil
			}
			buf.Advance(len(raw))
			return swo.Packet{Type: swo.Unknown, Size: len(raw), Raw: raw}, true, nil
		}
		raw = append(raw, b)

		for bit := 7; bit >= 0; bit-- {
			if (b>>uint(bit))&1 == 1 {
				bytesUsed := i + 1
				if zeroBits >= minSyncZeroBits {
					buf.Advance(bytesUsed)
					return swo.Packet{Type: swo.Sync, Size: zeroBits}, true, nil
				}
				buf.Advance(bytesUsed)
				return swo.Packet{Type: swo.Unknown, Size: bytesUsed, Raw: raw[:bytesUsed]}, true, nil
			}
			zeroBits++
		}
	}
}

// decodeLTS decodes a local timestamp packet: a single-byte "LTS2" form
// when bit 7 is clear, a continuation-encoded "LTS1" form otherwise.
func (d *Decoder) decodeLTS(buf *swobuf.Buffer, h byte, eos bool) (swo.Packet, bool, error) {
	if h&0x80 == 0 {
		// LTS2: single byte, value in bits [6:4], 0 and 7 reserved.
		val := (h >> 4) & 0x07
		buf.Advance(1)
		if val == 0 || val == 7 {
			return swo.Packet{Type: swo.Unknown, Size: 1, Raw: []byte{h}}, true, nil
		}
		return swo.Packet{
			Type:     swo.LTS,
			Size:     1,
			Raw:      []byte{h},
			Relation: swo.LTSSync,
			Value:    uint32(val),
		}, true, nil
	}

	// LTS1: relation in bits [5:4], 1-4 continuation bytes, 7 bits each.
	cont, ok, flushed := readContinuation(buf, eos)
	if !ok {
		if flushed == nil {
			return swo.Packet{}, false, nil
		}
		return *flushed, true, nil
	}
	relation := swo.LTSRelation((h >> 4) & 0x03)
	raw := append([]byte{h}, cont...)
	buf.Advance(len(raw))
	return swo.Packet{
		Type:     swo.LTS,
		Size:     len(raw),
		Raw:      raw,
		Relation: relation,
		Value:    packContinuation(cont, 0, 0),
	}, true, nil
}

// decodeGTS decodes a GTS1 (header 0x94) or GTS2 (header 0xB4) global
// timestamp packet.
func (d *Decoder) decodeGTS(buf *swobuf.Buffer, h byte, eos bool) (swo.Packet, bool, error) {
	cont, ok, flushed := readContinuation(buf, eos)
	if !ok {
		if flushed == nil {
			return swo.Packet{}, false, nil
		}
		return *flushed, true, nil
	}
	raw := append([]byte{h}, cont...)
	buf.Advance(len(raw))

	if h == 0x94 {
		// GTS1: final (non-continuation) byte's low 5 bits are the top
		// value bits; bit 5 is wrap, bit 6 is clkch.
		value, clkch, wrap := packGTS1(cont)
		return swo.Packet{
			Type:  swo.GTS1,
			Size:  len(raw),
			Raw:   raw,
			Value: value,
			Clkch: clkch,
			Wrap:  wrap,
		}, true, nil
	}

	// GTS2: every continuation byte, including the last, contributes a
	// full 7 bits; there are no flag bits to carve out.
	return swo.Packet{
		Type:  swo.GTS2,
		Size:  len(raw),
		Raw:   raw,
		Value: packContinuation(cont, 0, 0),
	}, true, nil
}

// decodeExt decodes an extension packet: source in bit 2, 3 initial value
// bits in bits [6:4] of the header, extended by up to 4 continuation bytes.
func (d *Decoder) decodeExt(buf *swobuf.Buffer, h byte, eos bool) (swo.Packet, bool, error) {
	source := swo.ExtSource((h >> 2) & 0x01)
	initial := uint32((h >> 4) & 0x07)

	if h&0x80 == 0 {
		// No continuation bytes: 3-bit value, carried entirely in the header.
		buf.Advance(1)
		return swo.Packet{
			Type:   swo.Ext,
			Size:   1,
			Raw:    []byte{h},
			Source: source,
			Value:  initial,
		}, true, nil
	}

	cont, ok, flushed := readContinuation(buf, eos)
	if !ok {
		if flushed == nil {
			return swo.Packet{}, false, nil
		}
		return *flushed, true, nil
	}
	raw := append([]byte{h}, cont...)
	buf.Advance(len(raw))
	return swo.Packet{
		Type:   swo.Ext,
		Size:   len(raw),
		Raw:    raw,
		Source: source,
		Value:  packContinuation(cont, initial, 3),
	}, true, nil
}

// decodeSource decodes an INST or HW source packet: 5-bit address in bits
// [7:3], bit 2 selects HW (1) over INST (0), low 2 bits select payload
// length (01 -> 1 byte, 10 -> 2 bytes, 11 -> 4 bytes).
func (d *Decoder) decodeSource(buf *swobuf.Buffer, h byte, eos bool) (swo.Packet, bool, error) {
	address := (h >> 3) & 0x1F
	isHW := h&0x04 != 0

	var plen int
	switch h & 0x03 {
	case 0x01:
		plen = 1
	case 0x02:
		plen = 2
	case 0x03:
		plen = 4
	}

	total := 1 + plen
	if buf.Len() < total {
		if !eos {
			return swo.Packet{}, false, nil
		}
		n := buf.Len()
		raw := drain(buf, n)
		return swo.Packet{Type: swo.Unknown, Size: n, Raw: raw}, true, nil
	}

	raw := drain(buf, total)
	payload := append([]byte(nil), raw[1:]...)
	value := leUint32(payload)

	typ := swo.Inst
	if isHW {
		typ = swo.HW
	}
	return swo.Packet{
		Type:    typ,
		Size:    total,
		Raw:     raw,
		Address: address,
		Payload: payload,
		Value:   value,
	}, true, nil
}

// drain peeks and advances n bytes at once, returning them as a fresh
// slice so the packet's Raw field does not alias the buffer's backing
// array past the Advance call.
func drain(buf *swobuf.Buffer, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, _ := buf.PeekAt(i)
		out[i] = b
	}
	buf.Advance(n)
	return out
}

// readContinuation reads 1-4 continuation bytes following a header already
// peeked (not yet advanced past) at the buffer cursor's offset 1. It
// returns ok=true with the continuation bytes (not including the header)
// once a terminating byte (high bit clear) is seen. If the buffer runs out
// before termination: with eos clear, it returns ok=false and a nil flushed
// packet (caller should report "need more data" without advancing); with
// eos set, it flushes the header plus whatever continuation bytes are
// present as an UNKNOWN packet and returns ok=false with that packet.
// Exceeding maxContinuationBytes without termination is itself a protocol
// violation and is likewise flushed as UNKNOWN as soon as the 4th
// continuation byte is seen with its continuation bit still set.
func readContinuation(buf *swobuf.Buffer, eos bool) (cont []byte, ok bool, flushed *swo.Packet) {
	for i := 1; ; i++ {
		b, avail := buf.PeekAt(i)
		if !avail {
			if !eos {
				return nil, false, nil
			}
			n := buf.Len()
			raw := drain(buf, n)
			p := swo.Packet{Type: swo.Unknown, Size: n, Raw: raw}
			return nil, false, &p
		}
		cont = append(cont, b)
		if b&0x80 == 0 {
			return cont, true, nil
		}
		if len(cont) >= maxContinuationBytes {
			// A 5th continuation byte would violate the 1-to-5-bytes-total
			// invariant; flush everything seen so far (header + the 4
			// continuation bytes) as UNKNOWN.
			n := i + 1
			raw := drain(buf, n)
			p := swo.Packet{Type: swo.Unknown, Size: n, Raw: raw}
			return nil, false, &p
		}
	}
}

// packContinuation assembles a little-endian value out of 7-bit
// continuation bytes, seeding the low bits with initial (already shifted
// into position) and starting subsequent bytes at bit offset shift.
func packContinuation(cont []byte, initial uint32, shift uint) uint32 {
	value := initial
	for _, b := range cont {
		value |= uint32(b&0x7F) << shift
		shift += 7
	}
	return value
}

// packGTS1 assembles the GTS1 value plus its clkch/wrap flags. Every byte
// but the last contributes a full 7 value bits; the last byte (the one
// whose continuation bit is clear) contributes 5 value bits plus the two
// flag bits.
func packGTS1(cont []byte) (value uint32, clkch bool, wrap bool) {
	var shift uint
	for i, b := range cont {
		if i == len(cont)-1 {
			value |= uint32(b&0x1F) << shift
			wrap = b&0x20 != 0
			clkch = b&0x40 != 0
			return
		}
		value |= uint32(b&0x7F) << shift
		shift += 7
	}
	return
}

// leUint32 decodes a little-endian integer from a 1, 2, or 4 byte payload.
func leUint32(p []byte) uint32 {
	var v uint32
	for i, b := range p {
		v |= uint32(b) << uint(8*i)
	}
	return v
}

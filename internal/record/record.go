// Package record defines the wire and storage representation of a decoded
// SWO packet as it moves through the ingest, live, export, collector, queue,
// storage, and provenance layers. It exists so those packages share one
// JSON-serialisable shape instead of each re-deriving it from swo.Packet.
package record

import (
	"time"

	"github.com/tripwire/swodecode/swo"
)

// Packet is the flattened, JSON- and SQL-friendly representation of a single
// decoded swo.Packet, tagged with the session it was decoded from and its
// position in that session's packet stream.
type Packet struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	DecodedAt time.Time `json:"decoded_at"`

	Type     string `json:"type"`
	Size     int    `json:"size"`
	Relation uint8  `json:"relation,omitempty"`
	Value    uint32 `json:"value,omitempty"`
	Clkch    bool   `json:"clkch,omitempty"`
	Wrap     bool   `json:"wrap,omitempty"`

	Source  uint8  `json:"source,omitempty"`
	Address uint8  `json:"address,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	CPIWrap     bool   `json:"cpi_wrap,omitempty"`
	ExcWrap     bool   `json:"exc_wrap,omitempty"`
	SleepWrap   bool   `json:"sleep_wrap,omitempty"`
	LSUWrap     bool   `json:"lsu_wrap,omitempty"`
	FoldWrap    bool   `json:"fold_wrap,omitempty"`
	CycWrap     bool   `json:"cyc_wrap,omitempty"`
	Exception   uint16 `json:"exception,omitempty"`
	Function    uint8  `json:"function,omitempty"`
	SleepSample bool   `json:"sleep_sample,omitempty"`
	PC          uint32 `json:"pc,omitempty"`
	Cmpn        uint8  `json:"cmpn,omitempty"`
	Offset      uint16 `json:"offset,omitempty"`
	WNR         bool   `json:"wnr,omitempty"`
	Data        uint32 `json:"data,omitempty"`
}

// FromPacket flattens a decoded swo.Packet into a Packet tagged with
// sessionID and seq, stamped with decodedAt.
func FromPacket(sessionID string, seq int64, decodedAt time.Time, p swo.Packet) Packet {
	return Packet{
		SessionID:   sessionID,
		Seq:         seq,
		DecodedAt:   decodedAt,
		Type:        p.Type.String(),
		Size:        p.Size,
		Relation:    uint8(p.Relation),
		Value:       p.Value,
		Clkch:       p.Clkch,
		Wrap:        p.Wrap,
		Source:      uint8(p.Source),
		Address:     p.Address,
		Payload:     p.Payload,
		CPIWrap:     p.CPIWrap,
		ExcWrap:     p.ExcWrap,
		SleepWrap:   p.SleepWrap,
		LSUWrap:     p.LSUWrap,
		FoldWrap:    p.FoldWrap,
		CycWrap:     p.CycWrap,
		Exception:   p.Exception,
		Function:    uint8(p.Function),
		SleepSample: p.SleepSample,
		PC:          p.PC,
		Cmpn:        p.Cmpn,
		Offset:      p.Offset,
		WNR:         p.WNR,
		Data:        p.Data,
	}
}

package swo

import (
	"log/slog"

	"github.com/tripwire/swodecode/internal/dwt"
	"github.com/tripwire/swodecode/internal/swobuf"
	"github.com/tripwire/swodecode/internal/swodecode"
)

// Flags controls Context.Decode's behavior for a single call.
type Flags uint8

// EOS tells Decode that no further bytes will ever be fed; any
// in-progress span still sitting in the buffer once the delivery loop
// cannot make further progress is flushed as one or more Unknown packets
// instead of being held for a feed that will never come.
const EOS Flags = 0x01

// Callback receives one decoded packet at a time. p is only valid for the
// duration of the call; a callback that keeps a packet copies it.
// Returning false stops the delivery loop;
// a subsequent Decode resumes at the next undelivered byte.
type Callback func(p *Packet) (cont bool)

// Context owns a borrowed Buffer and drives the decode-refine-deliver
// pipeline across it. A Context is not safe for concurrent use: Feed and
// Decode must be serialized by the caller, and Decode must never be
// called re-entrantly from within a Callback.
type Context struct {
	buf      *swobuf.Buffer
	decoder  *swodecode.Decoder
	callback Callback
	opts     Options
	logger   *slog.Logger
}

// Init constructs a Context and allocates its buffer of bufferSize bytes
// itself; the caller does not supply the backing storage. It fails with
// ErrArg if bufferSize is below swobuf.MinSize.
func Init(bufferSize int, opts ...Option) (*Context, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	buf, err := swobuf.New(bufferSize)
	if err != nil {
		return nil, newErr("swo: init", ErrArg, err)
	}

	return &Context{
		buf:     buf,
		decoder: swodecode.New(),
		opts:    o,
		logger:  o.logging(),
	}, nil
}

// Exit releases context-owned state by clearing the installed callback.
// The buffer allocated by Init is not reachable by callers and is not
// reused by another Context.
func (c *Context) Exit() {
	c.callback = nil
}

// SetCallback installs the packet sink Decode delivers to. It fails with
// ErrArg if fn is nil.
func (c *Context) SetCallback(fn Callback) error {
	if fn == nil {
		return newErr("swo: set_callback", ErrArg, nil)
	}
	c.callback = fn
	return nil
}

// Feed appends bytes to the context's buffer. It fails with ErrArg if
// there is no room even after compaction.
func (c *Context) Feed(p []byte) error {
	if err := c.buf.Feed(p); err != nil {
		return newErr("swo: feed", ErrArg, err)
	}
	return nil
}

// Decode runs the delivery loop: it repeatedly decodes one packet,
// refines it if it is an HW packet, and hands it to the installed
// callback, until the buffer cannot yield another complete packet (with
// flags&EOS clear), the callback returns false, or flags&EOS is set and
// the buffer has been fully flushed. Decode returns ErrArg if no
// callback has been installed.
func (c *Context) Decode(flags Flags) error {
	if c.callback == nil {
		return newErr("swo: decode", ErrArg, nil)
	}
	eos := flags&EOS != 0

	for {
		pkt, ok, err := c.decoder.Next(c.buf, eos)
		if err != nil {
			return newErr("swo: decode", ErrUnspecified, err)
		}
		if !ok {
			return nil
		}

		pkt = c.postprocess(pkt)

		if pkt.Type == Unknown {
			c.logger.Debug("decoded reserved or incomplete span as unknown",
				slog.Int("size", pkt.Size), slog.Any("raw", pkt.Raw))
		}

		if !c.callback(&pkt) {
			return nil
		}
	}
}

// postprocess applies the hardware-packet refiner and, when GTS2Width is
// overridden, masks a decoded GTS2 value down to the configured width.
func (c *Context) postprocess(pkt Packet) Packet {
	switch pkt.Type {
	case HW:
		if refined, ok := dwt.Refine(pkt); ok {
			return refined
		}
	case GTS2:
		if c.opts.GTS2Width > 0 && c.opts.GTS2Width < 32 {
			mask := uint32(1)<<c.opts.GTS2Width - 1
			pkt.Value &= mask
		}
	}
	return pkt
}

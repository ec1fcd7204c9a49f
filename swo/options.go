package swo

import "log/slog"

// Options configures a Context beyond its required buffer and callback.
// The zero value is ready to use: a nil logger falls back to slog's
// default handler, and GTS2Width falls back to the generic
// continuation-byte packing every other multi-byte field uses.
type Options struct {
	logger *slog.Logger

	// GTS2Width overrides the bit width Context assigns to a decoded GTS2
	// value. The decoder always reads the wire-correct number of
	// continuation bytes regardless of this setting; GTS2Width only
	// changes how the resulting raw bits are masked before being stored
	// in Packet.Value, for profiles where the architecture's GTS2 field
	// is known to be narrower than what the continuation bytes present
	// would otherwise imply. Zero means "no override".
	GTS2Width uint
}

// Option configures a Context at construction time.
type Option func(*Options)

// WithLogger sets the structured logger a Context uses to report decode
// anomalies (reserved header encodings, oversized continuation runs) at
// debug level. Decode anomalies are never escalated to errors (see Code),
// so the logger is the only place they are observable short of inspecting
// emitted Unknown packets.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// WithGTS2Width sets Options.GTS2Width.
func WithGTS2Width(bits uint) Option {
	return func(o *Options) { o.GTS2Width = bits }
}

func (o *Options) logging() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

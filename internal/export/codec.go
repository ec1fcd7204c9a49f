package export

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements encoding.Codec (google.golang.org/grpc/encoding)
// using plain JSON instead of the protobuf wire format. PacketStream's
// messages are plain Go structs rather than protoc-generated
// proto.Message values, so the usual protobuf codec cannot serialise
// them; registering this codec under the "json" content-subtype lets
// PushPackets run over a real gRPC stream without generated bindings.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

package bus

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements encoding.Codec (google.golang.org/grpc/encoding) so
// that Envelope values travel over gRPC without a protoc-generated message
// type: spec.md's bus carries untyped variant trees (a{sv}), which do not
// fit a fixed protobuf schema, so the wire codec is swapped instead of the
// transport. This is a standard grpc-go technique (ForceServerCodec /
// ForceCodec), not a hand-rolled replacement for protobuf's wire format.
type jsonCodec struct{}

const codecName = "testbus-json"

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec exposes the registered codec by name for callers building dial/server options.
func Codec() string { return codecName }

// serviceName and methodName identify the single bidirectional streaming
// RPC that carries every Envelope, hand-registered by ServiceDesc in
// server.go instead of via a .proto file (see DESIGN.md).
const (
	serviceName = "testbus.Bus"
	streamName  = "Connect"
)

// FullMethod is the gRPC method string for the bus stream, as used by
// grpc.ClientConn.NewStream.
func FullMethod() string {
	return fmt.Sprintf("/%s/%s", serviceName, streamName)
}

package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries gRPC messages as JSON. The service has no protobuf
// schema; requests and responses are the plain Go types of this package.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

// JSONCodec returns the codec clients must force to talk to the server.
func JSONCodec() encoding.Codec {
	return jsonCodec{}
}

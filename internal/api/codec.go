package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets hand-written Go structs travel over grpc's real HTTP/2
// transport without protoc-generated Marshal/Unmarshal methods. grpc
// selects a codec by content-subtype name; registering under "proto"
// overrides the default so no client negotiation is required.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

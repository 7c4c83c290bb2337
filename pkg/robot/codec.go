package robot

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName selects the codec via the grpc content-subtype, so the wire
// carries application/grpc+json. The hardware daemon speaks the same framing.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals request and reply messages as JSON. The contract in
// proto/hardware/v1 stays the source of truth for field names; the snake_case
// JSON tags on the message structs mirror it.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("robot: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("robot: unmarshal %T: %w", v, err)
	}
	return nil
}
